// Package state persists the client identity and a cached service table
// snapshot across restarts. The file is written under an exclusive lock so
// two client processes cannot corrupt it concurrently; an unreadable file
// is never fatal and simply causes a fresh identity.
package state

import (
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/camtun/camtun/internal/svctable"
	"github.com/camtun/camtun/internal/util"
)

// State is the persisted client state.
type State struct {
	ClientID string           `json:"clientId"`
	MAC      string           `json:"mac,omitempty"`
	Services []svctable.Entry `json:"services,omitempty"`
}

// Load reads the state file at path. A missing, unreadable or corrupt file
// yields a freshly generated identity and an empty table cache; the prior
// cache is discarded, not repaired.
func Load(path string) *State {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			util.LogWarning("state file %s unreadable, generating fresh identity: %v", path, err)
		}
		return fresh()
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil || st.ClientID == "" {
		util.LogWarning("state file %s corrupt, generating fresh identity", path)
		return fresh()
	}
	if _, err := uuid.Parse(st.ClientID); err != nil {
		util.LogWarning("state file %s carries invalid client id, generating fresh identity", path)
		return fresh()
	}
	if st.MAC == "" {
		st.MAC = localMAC()
	}
	return &st
}

// Save writes the state file atomically (temp file + rename) while holding
// an exclusive flock on the target path.
func Save(path string, st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	lock, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer lock.Close()
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX); err != nil {
		return err
	}
	defer unix.Flock(int(lock.Fd()), unix.LOCK_UN)

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func fresh() *State {
	return &State{
		ClientID: uuid.NewString(),
		MAC:      localMAC(),
	}
}

// localMAC returns the hardware address of the first non-loopback interface
// that has one, or "" if none does.
func localMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}
