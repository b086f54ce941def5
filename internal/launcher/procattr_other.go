//go:build !unix

package launcher

import "syscall"

func childProcAttr() *syscall.SysProcAttr {
	return nil
}
