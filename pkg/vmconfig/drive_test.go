package vmconfig

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeDrives(t *testing.T) *Configuration {
	t.Helper()
	c := New("test", EngineQEMU)
	for i := 0; i < 3; i++ {
		c.AddDrive(NewFixedDrive(fmt.Sprintf("d%d.img", i), InterfaceVirtIO))
	}
	return c
}

func images(c *Configuration) []string {
	out := make([]string, len(c.Drives))
	for i, d := range c.Drives {
		out[i] = d.ImagePath
	}
	return out
}

func indices(c *Configuration) []int {
	out := make([]int, len(c.Drives))
	for i, d := range c.Drives {
		out[i] = d.Index
	}
	return out
}

func TestMoveDriveToFront(t *testing.T) {
	c := threeDrives(t)

	require.NoError(t, c.MoveDrive(2, 0))

	assert.Equal(t, []string{"d2.img", "d0.img", "d1.img"}, images(c))
	assert.Equal(t, []int{0, 1, 2}, indices(c))
}

func TestMoveDriveInverse(t *testing.T) {
	for n := 2; n <= 5; n++ {
		for from := 0; from < n; from++ {
			for to := 0; to < n; to++ {
				if from == to {
					continue
				}
				t.Run(fmt.Sprintf("n%d_%d_to_%d", n, from, to), func(t *testing.T) {
					c := New("test", EngineQEMU)
					for i := 0; i < n; i++ {
						c.AddDrive(NewFixedDrive(fmt.Sprintf("d%d.img", i), InterfaceVirtIO))
					}
					before := images(c)

					require.NoError(t, c.MoveDrive(from, to))
					assert.Equal(t, before[from], c.Drives[to].ImagePath)
					require.NoError(t, c.MoveDrive(to, from))

					assert.Equal(t, before, images(c))
					for i, d := range c.Drives {
						assert.Equal(t, i, d.Index)
					}
				})
			}
		}
	}
}

func TestMoveDriveOutOfRange(t *testing.T) {
	tests := []struct {
		name     string
		from, to int
	}{
		{"negative from", -1, 0},
		{"from past end", 3, 0},
		{"negative to", 0, -1},
		{"to past end", 0, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := threeDrives(t)
			err := c.MoveDrive(tt.from, tt.to)
			assert.ErrorIs(t, err, ErrIndexOutOfRange)
			assert.Equal(t, []string{"d0.img", "d1.img", "d2.img"}, images(c))
		})
	}
}

func TestMoveDriveUpDown(t *testing.T) {
	c := threeDrives(t)

	require.NoError(t, c.MoveDriveDown(0))
	assert.Equal(t, []string{"d1.img", "d0.img", "d2.img"}, images(c))

	require.NoError(t, c.MoveDriveUp(2))
	assert.Equal(t, []string{"d1.img", "d2.img", "d0.img"}, images(c))

	assert.ErrorIs(t, c.MoveDriveDown(2), ErrIndexOutOfRange)
	assert.ErrorIs(t, c.MoveDriveUp(0), ErrIndexOutOfRange)
}

func TestRemoveDriveRenumbers(t *testing.T) {
	c := threeDrives(t)

	removed, err := c.RemoveDrive(1)
	require.NoError(t, err)
	assert.Equal(t, "d1.img", removed.ImagePath)
	assert.Equal(t, []string{"d0.img", "d2.img"}, images(c))
	assert.Equal(t, []int{0, 1}, indices(c))

	_, err = c.RemoveDrive(2)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestInsertDrive(t *testing.T) {
	c := threeDrives(t)

	require.NoError(t, c.InsertDrive(1, NewRemovableDrive("cd.iso", InterfaceUSB)))
	assert.Equal(t, []string{"d0.img", "cd.iso", "d1.img", "d2.img"}, images(c))
	assert.Equal(t, []int{0, 1, 2, 3}, indices(c))

	require.NoError(t, c.InsertDrive(4, NewRemovableDrive("", InterfaceUSB)))
	assert.Equal(t, DriveEjected, c.Drives[4].Status)

	assert.ErrorIs(t, c.InsertDrive(6, Drive{}), ErrIndexOutOfRange)
}

func TestUpdateDriveKeepsIndex(t *testing.T) {
	c := threeDrives(t)

	require.NoError(t, c.UpdateDrive(1, func(d *Drive) {
		d.Index = 9
		d.ReadOnly = true
	}))
	assert.Equal(t, 1, c.Drives[1].Index)
	assert.True(t, c.Drives[1].ReadOnly)
}

func TestDriveStatusText(t *testing.T) {
	for _, s := range []DriveStatus{DriveFixed, DriveEjected, DriveAttached} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var got DriveStatus
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, s, got)
	}
	var s DriveStatus
	assert.Error(t, s.UnmarshalText([]byte("spinning")))
}
