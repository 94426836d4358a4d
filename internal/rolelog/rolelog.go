// Package rolelog gives each of the three roles (coordinator, failsafe,
// participant) the same dual-sink logger: console plus a role-scoped log
// file, timestamped, exactly the StreamHandler+FileHandler pair the system
// this protocol is modeled on sets up per role.
package rolelog

import (
	"fmt"
	"io"
	"log"
	"os"
)

// New opens (creating if necessary, appending otherwise) "<role>.log" in dir
// and returns a *log.Logger that writes every line to both that file and
// stdout. The caller owns the returned file and must close it on shutdown.
func New(dir, role string) (*log.Logger, *os.File, error) {
	path := role + ".log"
	if dir != "" {
		path = dir + string(os.PathSeparator) + path
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("rolelog: open %s: %w", path, err)
	}

	out := io.MultiWriter(os.Stdout, f)
	logger := log.New(out, "["+role+"] ", log.LstdFlags|log.Lmicroseconds)

	return logger, f, nil
}
