package proxy

import (
	"fmt"
	"os"
	"path/filepath"
)

// ResolvConfName is the file name used for the generated resolver config.
const ResolvConfName = "resolv.conf"

// ResolvConf returns a resolver configuration pointing every lookup at
// nameserver.
func ResolvConf(nameserver string) []byte {
	return fmt.Appendf(nil, "# generated by cuenv\nnameserver %s\noptions ndots:1 timeout:2 attempts:2\n", nameserver)
}

// WriteResolvConf writes ResolvConf(nameserver) into dir and returns the
// file path.
func WriteResolvConf(dir, nameserver string) (string, error) {
	path := filepath.Join(dir, ResolvConfName)
	if err := os.WriteFile(path, ResolvConf(nameserver), 0o644); err != nil {
		return "", fmt.Errorf("proxy: write %s: %w", path, err)
	}
	return path, nil
}
