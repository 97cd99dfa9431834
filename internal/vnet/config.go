package vnet

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	defaultControlSocket = "@fastpath.control"
	defaultNetwork       = "100.64.0.1/24"
)

// Config carries the settings shared by the stack and the backend.
type Config struct {
	Control struct {
		// Socket is the unix socket the control channel runs on. Names
		// starting with '@' live in the abstract namespace.
		Socket string `yaml:"socket"`
	} `yaml:"control"`

	Network struct {
		// IPv4 is the CIDR of the virtual network; addresses are assigned
		// to sessions starting from the address part.
		IPv4 string `yaml:"ipv4"`
	} `yaml:"network"`
}

func DefaultConfig() *Config {
	c := new(Config)
	c.Control.Socket = defaultControlSocket
	c.Network.IPv4 = defaultNetwork
	return c
}

// LoadConfig reads the configuration file at path, or the one named by the
// FASTPATH_CONFIG environment variable when path is empty. A missing file
// yields the defaults. FASTPATH_SOCKET overrides the control socket in all
// cases.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("FASTPATH_CONFIG")
	}
	c := DefaultConfig()
	if path != "" {
		f, err := os.Open(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			defer f.Close()
			d := yaml.NewDecoder(f)
			d.KnownFields(true)
			if err := d.Decode(c); err != nil && err != io.EOF {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
		}
	}
	if socket := os.Getenv("FASTPATH_SOCKET"); socket != "" {
		c.Control.Socket = socket
	}
	return c, nil
}

// RandomControlSocket returns an abstract socket name unlikely to collide
// with any other process; tests use it to run isolated backends.
func RandomControlSocket() string {
	return "@fastpath." + uuid.NewString()
}
