//go:build unix

package dispatch

import (
	"fmt"
	"os/user"
	"strconv"
	"syscall"
)

// impersonationAttr runs the worker as the credentials' user. On unix the
// account is selected by name; the password is not needed.
func impersonationAttr(creds *Credentials) (*syscall.SysProcAttr, error) {
	u, err := user.Lookup(creds.Username)
	if err != nil {
		return nil, fmt.Errorf("failed to look up deploy user %s: %w", creds.Username, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid uid %q for %s", u.Uid, creds.Username)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid gid %q for %s", u.Gid, creds.Username)
	}
	return &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)},
		Setpgid:    true,
	}, nil
}
