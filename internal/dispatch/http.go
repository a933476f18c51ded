package dispatch

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/javanstorm/vmdeck/internal/vm"
)

// OpenHandler serves command links over HTTP: the link is passed in the url
// query parameter or as a form value. A link that parses is accepted
// whether or not it resolves.
func (d *Dispatcher) OpenHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			w.Header().Set("Allow", "GET, POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		raw := r.URL.Query().Get("url")
		if raw == "" && r.Method == http.MethodPost {
			if err := r.ParseForm(); err == nil {
				raw = r.PostForm.Get("url")
			}
		}
		cmd, err := ParseURL(raw, d.scheme)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		d.Dispatch(r.Context(), cmd)
		w.WriteHeader(http.StatusAccepted)
	})
}

// StatusHandler reports machines as JSON: every machine without a name
// query parameter, the detailed status of one machine with it.
func (d *Dispatcher) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		name := r.URL.Query().Get("name")
		if name == "" {
			machines := d.lib.List()
			out := make([]MachineStatus, 0, len(machines))
			for _, m := range machines {
				out = append(out, Status(m, false))
			}
			writeJSON(w, out)
			return
		}

		m, err := d.lib.Lookup(name)
		switch {
		case errors.Is(err, vm.ErrMachineNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, Status(m, true))
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
