package rundaq

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// sectionDelimiter separates a section from a key. Section names themselves
// contain dots ("Producer.P1"), so viper's default delimiter cannot be used.
const sectionDelimiter = "::"

const (
	keyConfigName = "configname"
	keyGeoID      = "geoid"
)

// Configuration is a run-settings or init-settings file. RunControl loads it
// from disk and ships it to every component as YAML; each component reads
// the section named after itself.
//
// A settings file looks like
//
//	Producer.P1:
//	  Rate: 100
//	DataCollector:
//	  Mode: BXID
//	  Mandatory: [P1, P2]
type Configuration struct {
	v       *viper.Viper
	section string
}

func newConfigViper() *viper.Viper {
	return viper.NewWithOptions(viper.KeyDelimiter(sectionDelimiter))
}

// LoadConfiguration reads a settings file. Its name (without extension) is
// recorded as the configuration name.
func LoadConfiguration(filename string) (*Configuration, error) {
	v := newConfigViper()
	v.SetConfigFile(filename)
	if filepath.Ext(filename) == "" || filepath.Ext(filename) == ".conf" || filepath.Ext(filename) == ".ini" {
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading settings file %s: %w", filename, err)
	}
	base := filepath.Base(filename)
	v.Set(keyConfigName, strings.TrimSuffix(base, filepath.Ext(base)))
	return &Configuration{v: v}, nil
}

// ParseConfiguration reads settings sent by Marshal.
func ParseConfiguration(data []byte) (*Configuration, error) {
	v := newConfigViper()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}
	return &Configuration{v: v}, nil
}

// EmptyConfiguration returns a Configuration with no settings.
func EmptyConfiguration(name string) *Configuration {
	v := newConfigViper()
	v.Set(keyConfigName, name)
	return &Configuration{v: v}
}

// Marshal encodes every setting as YAML.
func (c *Configuration) Marshal() ([]byte, error) {
	return yaml.Marshal(c.v.AllSettings())
}

// Name returns the configuration name.
func (c *Configuration) Name() string {
	return c.v.GetString(keyConfigName)
}

// GeoID returns the geometry id set by RunControl, or -1.
func (c *Configuration) GeoID() int {
	if !c.v.IsSet(keyGeoID) {
		return -1
	}
	return c.v.GetInt(keyGeoID)
}

// SetGeoID records the geometry id.
func (c *Configuration) SetGeoID(id int) {
	c.v.Set(keyGeoID, id)
}

// HasSection reports whether a section of that name exists.
func (c *Configuration) HasSection(section string) bool {
	return c.v.IsSet(strings.ToLower(section))
}

// SetSection selects the section later lookups read from.
func (c *Configuration) SetSection(section string) {
	c.section = strings.ToLower(section)
}

// SelectComponent selects the section "Type.Name" if it exists, else "Type".
func (c *Configuration) SelectComponent(typ, name string) {
	full := typ
	if name != "" {
		full = typ + "." + name
	}
	if c.HasSection(full) {
		c.SetSection(full)
	} else {
		c.SetSection(typ)
	}
}

// Section returns the selected section name.
func (c *Configuration) Section() string {
	return c.section
}

func (c *Configuration) key(k string) string {
	if c.section == "" {
		return k
	}
	return c.section + sectionDelimiter + k
}

// IsSet reports whether key is set in the selected section.
func (c *Configuration) IsSet(key string) bool {
	return c.v.IsSet(c.key(key))
}

// Set stores value under key in the selected section.
func (c *Configuration) Set(key string, value any) {
	c.v.Set(c.key(key), value)
}

// GetString returns key's value, or def when unset.
func (c *Configuration) GetString(key, def string) string {
	if !c.IsSet(key) {
		return def
	}
	return c.v.GetString(c.key(key))
}

// GetInt returns key's value, or def when unset.
func (c *Configuration) GetInt(key string, def int) int {
	if !c.IsSet(key) {
		return def
	}
	return c.v.GetInt(c.key(key))
}

// GetFloat returns key's value, or def when unset.
func (c *Configuration) GetFloat(key string, def float64) float64 {
	if !c.IsSet(key) {
		return def
	}
	return c.v.GetFloat64(c.key(key))
}

// GetBool returns key's value, or def when unset.
func (c *Configuration) GetBool(key string, def bool) bool {
	if !c.IsSet(key) {
		return def
	}
	return c.v.GetBool(c.key(key))
}

// GetStringSlice returns key's value, or def when unset. A plain string is
// split at commas.
func (c *Configuration) GetStringSlice(key string, def []string) []string {
	if !c.IsSet(key) {
		return def
	}
	var vals []string
	if s, ok := c.v.Get(c.key(key)).(string); ok {
		vals = strings.Split(s, ",")
	} else {
		vals = c.v.GetStringSlice(c.key(key))
	}
	out := vals[:0]
	for _, s := range vals {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
