//go:build !unix

package wrapper

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}
