//go:build !unix

package dispatch

import (
	"fmt"
	"syscall"
)

func impersonationAttr(creds *Credentials) (*syscall.SysProcAttr, error) {
	return nil, fmt.Errorf("worker impersonation is not supported on this platform")
}
