package sema

import "os"

func currentPID() int { return os.Getpid() }
