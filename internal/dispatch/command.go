package dispatch

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// DefaultScheme is the URL scheme of command links.
const DefaultScheme = "vmdeck"

// Command names.
const (
	CmdStart      = "start"
	CmdStop       = "stop"
	CmdRestart    = "restart"
	CmdPause      = "pause"
	CmdResume     = "resume"
	CmdSendText   = "sendText"
	CmdClick      = "click"
	CmdDownloadVM = "downloadVM"
)

// Command is one external request against a machine.
type Command struct {
	Name string
	// Target is the machine name or ID. Commands without a machine leave
	// it empty.
	Target string
	Params map[string]string
}

// Param returns the named parameter, or "" when it is absent.
func (c Command) Param(key string) string {
	return c.Params[key]
}

func (c Command) String() string {
	if c.Target == "" {
		return c.Name
	}
	return fmt.Sprintf("%s %q", c.Name, c.Target)
}

// URL renders c as a command link, the inverse of ParseURL.
func (c Command) URL(scheme string) string {
	if scheme == "" {
		scheme = DefaultScheme
	}
	q := url.Values{}
	if c.Target != "" {
		q.Set("name", c.Target)
	}
	keys := make([]string, 0, len(c.Params))
	for k := range c.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, c.Params[k])
	}
	u := url.URL{Scheme: scheme, Host: c.Name, RawQuery: q.Encode()}
	return u.String()
}

// ParseURL parses a command link such as vmdeck://start?name=Ubuntu. The
// action is the URL host, the target the name query parameter; every other
// query parameter becomes a Param.
func ParseURL(raw, scheme string) (Command, error) {
	if scheme == "" {
		scheme = DefaultScheme
	}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if !strings.EqualFold(u.Scheme, scheme) {
		return Command{}, fmt.Errorf("%w: scheme %q, want %q", ErrInvalidURL, u.Scheme, scheme)
	}

	action := u.Host
	if action == "" {
		action = strings.Trim(u.Opaque+u.Path, "/")
	}
	if action == "" {
		return Command{}, fmt.Errorf("%w: no action in %q", ErrInvalidURL, raw)
	}

	q := u.Query()
	cmd := Command{Name: action, Target: q.Get("name")}
	for k, v := range q {
		if k == "name" || len(v) == 0 {
			continue
		}
		if cmd.Params == nil {
			cmd.Params = make(map[string]string)
		}
		cmd.Params[k] = v[0]
	}
	return cmd, nil
}
