// Package config defines the crawler's typed configuration record and the
// means to populate it from a YAML file. The cmd/ entry points bind their
// own kingpin flags; none of those flags override Config fields.
package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds every enumerated setting from the spec's external-interfaces
// section. Zero values are filled in by Default() before use.
type Config struct {
	Host        string `yaml:"host"`
	Environment string `yaml:"environment"`
	Cycle       string `yaml:"cycle"`
	Elections   []int  `yaml:"elections"`
	Plea        int    `yaml:"plea"`
	States      []string `yaml:"states"`

	FilesStore string `yaml:"files_store"`

	IgnorePattern string `yaml:"ignore_pattern"`

	DownloadPictures bool `yaml:"download_pictures"`
	KeepOldVersions  bool `yaml:"keep_old_versions"`
	ValidateIndex    bool `yaml:"validate_index"`

	ConcurrentRequests           int `yaml:"concurrent_requests"`
	ConcurrentRequestsPerDomain  int `yaml:"concurrent_requests_per_domain"`

	AutothrottleTargetConcurrency float64       `yaml:"autothrottle_target_concurrency"`
	AutothrottleStartDelay        time.Duration `yaml:"autothrottle_start_delay"`
	AutothrottleMaxDelay          time.Duration `yaml:"autothrottle_max_delay"`

	DownloadDelay   time.Duration `yaml:"download_delay"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	RetryTimes      int           `yaml:"retry_times"`

	// RetryStatusCodes is the configurable retriable HTTP status set
	// referenced by spec.md §7(b); left open by the spec, defaulted here.
	// The fetch scheduler does not read it: a non-429 error status fails
	// the request without a retry.
	RetryStatusCodes []int `yaml:"retry_status_codes"`

	// StatsInterval controls how often the periodic stats summary (§4.5.3,
	// §7) is logged and the pending-count gauge refreshed.
	StatsInterval time.Duration `yaml:"stats_interval"`

	// ListenAddress is decoded from YAML but not read by the cmd/ entry
	// points, which take the /metrics address from --web.listen-address.
	ListenAddress string `yaml:"listen_address"`

	// compiled form of IgnorePattern, populated by Validate.
	ignoreRegexp *regexp.Regexp
}

// CountryWideRegion is the distinguished region label under which shared
// ("cert"/"mun" prefixed) artifacts are published.
const CountryWideRegion = "br"

// Default returns a Config populated with the same defaults as tse/settings.py.
func Default() Config {
	return Config{
		Host:                          "https://resultados.tse.jus.br",
		Environment:                   "oficial",
		Cycle:                         "ele2022",
		States:                        strings.Fields("br ac al am ap ba ce df es go ma mg ms mt pa pb pe pi pr rj rn ro rr rs sc se sp to zz"),
		FilesStore:                    "data/download",
		DownloadPictures:              true,
		KeepOldVersions:               true,
		ValidateIndex:                 true,
		ConcurrentRequests:            200,
		ConcurrentRequestsPerDomain:   200,
		AutothrottleTargetConcurrency: 10.0,
		AutothrottleStartDelay:        100 * time.Millisecond,
		AutothrottleMaxDelay:          5 * time.Second,
		DownloadDelay:                 0,
		DownloadTimeout:               30 * time.Second,
		RetryTimes:                    5,
		RetryStatusCodes:              []int{500, 502, 503, 504},
		StatsInterval:                 30 * time.Second,
	}
}

// Load reads a YAML file on top of Default() and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	f, err := os.Open(path)
	if err != nil {
		return cfg, errors.Wrap(err, "opening config file")
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrap(err, "decoding config file")
	}

	return cfg, cfg.Validate()
}

// Validate compiles IgnorePattern and checks required fields.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host must not be empty")
	}
	if c.Environment == "" {
		return errors.New("environment must not be empty")
	}
	if c.FilesStore == "" {
		return errors.New("files_store must not be empty")
	}
	if len(c.Elections) == 0 {
		return errors.New("at least one election must be configured")
	}

	if c.IgnorePattern != "" {
		re, err := regexp.Compile(c.IgnorePattern)
		if err != nil {
			return errors.Wrap(err, "compiling ignore_pattern")
		}
		c.ignoreRegexp = re
	}

	return nil
}

// IgnoreRegexp returns the compiled ignore pattern, or nil if unset.
func (c *Config) IgnoreRegexp() *regexp.Regexp {
	return c.ignoreRegexp
}

// IsCountryWide reports whether region is the distinguished country-wide code.
func (c *Config) IsCountryWide(region string) bool {
	return region == CountryWideRegion
}
