package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ControllerConfig struct {
	Addr              string        `yaml:"addr"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	DBPath            string        `yaml:"db_path"`
	NATSURL           string        `yaml:"nats_url"` // empty uses the in-process transport
	PlaybookDir       string        `yaml:"playbook_dir"`
	Playbook          string        `yaml:"playbook"`
	AnsibleBinary     string        `yaml:"ansible_binary"`
	RunAs             string        `yaml:"run_as"`
	LogDir            string        `yaml:"log_dir"`
	RelayPollInterval time.Duration `yaml:"relay_poll_interval"`
	CertPath          string        `yaml:"cert_path"`
	KeyPath           string        `yaml:"key_path"`
	Terminal          Terminal      `yaml:"terminal"`
	VCenter           VCenter       `yaml:"vcenter"`
	Secrets           Secrets       `yaml:"secrets"`
	Tracing           Tracing       `yaml:"tracing"`
	Log               Log           `yaml:"log"`
	Users             []User        `yaml:"users"`
	Pool              []Machine     `yaml:"pool"`
}

type Terminal struct {
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// VCenter credentials are handed to the playbook. Password may be sealed.
type VCenter struct {
	Hostname string `yaml:"hostname"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type Secrets struct {
	IdentityFile string `yaml:"identity_file"`
}

type Tracing struct {
	Enabled bool `yaml:"enabled"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type User struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Role  string `yaml:"role"`
	Token string `yaml:"token"`
}

type Machine struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
}

// DefaultPool is the workload pool seeded when the config lists none.
func DefaultPool() []Machine {
	machines := make([]Machine, 10)
	for i := range machines {
		machines[i] = Machine{
			Address: fmt.Sprintf("192.168.10.%d", 31+i),
			Name:    fmt.Sprintf("wkld-%02d", i+1),
		}
	}
	return machines
}

func (c *ControllerConfig) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.DBPath == "" {
		c.DBPath = "hcmp.db"
	}
	if c.PlaybookDir == "" {
		c.PlaybookDir = "/opt/h-cmp"
	}
	if c.Playbook == "" {
		c.Playbook = "configure_workload.yml"
	}
	if c.AnsibleBinary == "" {
		c.AnsibleBinary = "ansible-playbook"
	}
	if c.RunAs == "" {
		c.RunAs = "root"
	}
	if c.RelayPollInterval <= 0 {
		c.RelayPollInterval = 10 * time.Millisecond
	}
	if c.Terminal.DialTimeout <= 0 {
		c.Terminal.DialTimeout = 10 * time.Second
	}
	if c.Terminal.PollInterval <= 0 {
		c.Terminal.PollInterval = 10 * time.Millisecond
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if len(c.Pool) == 0 {
		c.Pool = DefaultPool()
	}
	for i := range c.Users {
		if c.Users[i].Role == "" {
			c.Users[i].Role = "user"
		}
	}
}

func (c *ControllerConfig) validate() error {
	seen := map[string]bool{}
	for _, u := range c.Users {
		if u.ID == "" || u.Token == "" {
			return fmt.Errorf("user entries need id and token")
		}
		if u.Role != "admin" && u.Role != "user" {
			return fmt.Errorf("user %s: unknown role %q", u.ID, u.Role)
		}
		if seen[u.ID] {
			return fmt.Errorf("user %s listed twice", u.ID)
		}
		seen[u.ID] = true
	}
	for _, m := range c.Pool {
		if m.Address == "" {
			return fmt.Errorf("pool entries need an address")
		}
	}
	return nil
}

// Default returns a config with every default applied.
func Default() *ControllerConfig {
	cfg := &ControllerConfig{}
	cfg.applyDefaults()
	return cfg
}

func LoadControllerConfig(path string) (*ControllerConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg ControllerConfig
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}
