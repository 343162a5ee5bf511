// Package config loads the core's own bootstrap options. It has nothing to
// do with parsing individual service directives (spec.md §1 puts that out of
// scope) - this is only the handful of knobs the supervisor binary itself
// needs: where the runtime directory lives, where plugins are found, and the
// respawn/backoff constants. Layering (env > file > default) follows
// gone/hugorm, the teacher's own configuration library; there is no
// per-option command-line flag layer.
package config

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/One-com/gone/hugorm"
	"github.com/One-com/gone/jconf"
)

// Options are the core's bootstrap knobs, loaded once at startup.
type Options struct {
	// RunDir is the well-known runtime directory holding cond/ and pid files.
	RunDir string
	// PluginDir is where compiled-in plugin namespaces are resolved against
	// for two-pass find-by-name (§4.6); it has no filesystem meaning for the
	// compile-time plugin table, but is kept as the namespace prefix.
	PluginDir string
	// Plugins names the compile-time plugins to load at boot, in the order
	// given (§4.6 discovery, adapted to a static table: there is no
	// directory to scan, so the embedder supplies the list instead).
	Plugins []string
	// HookScriptDir is the run-parts style directory for optional hook
	// scripts (§4.5 "Optional behaviour").
	HookScriptDir string
	// RunHookScripts enables executing regular files under
	// HookScriptDir/<hook>/ after a hook point fires.
	RunHookScripts bool
	// NorespawnFile names the norespawn sentinel path (§4.4 step 1).
	// Supervisor.Start does not check it: starts proceed whether or not the
	// file exists.
	NorespawnFile string

	// SvcRespawnMax is the respawn cap before a service latches "crashing".
	SvcRespawnMax int
	// MaxNumSvcArgs and MaxArgLen are the configured argv expansion bounds
	// (§9). internal/supervisor does not read them: expansion is bounded by
	// its own MaxNumSvcArgs (32) and MaxArgLen (512) constants.
	MaxNumSvcArgs int
	MaxArgLen     int

	// FastRetry/SlowRetry are the crash-backoff intervals (§4.3): fast for
	// the first SvcRespawnMax/2 attempts, slow after.
	FastRetry jconf.Duration
	SlowRetry jconf.Duration

	// KillDelayMin/KillDelayMax are the bounds ClampKillDelay applies to a
	// per-service kill delay (§3, §8 boundary behaviour).
	KillDelayMin jconf.Duration
	KillDelayMax jconf.Duration
	// DefaultKillDelay is what ClampKillDelay falls back to. The state
	// machine does not read it: a service with no KillDelay gets a fixed 3s.
	DefaultKillDelay jconf.Duration
}

// Default returns the built-in defaults, matching the constants spec.md
// names (SVC_RESPAWN_MAX, the 2s/5s backoff schedule, the 1..60s kill delay
// bound).
func Default() Options {
	return Options{
		RunDir:           "/run/svinit",
		PluginDir:        "/usr/lib/svinit/plugins",
		Plugins:          []string{"bootmisc", "hotplug"},
		HookScriptDir:    "/usr/share/svinit/hooks",
		RunHookScripts:   false,
		NorespawnFile:    "/run/svinit/norespawn",
		SvcRespawnMax:    10,
		MaxNumSvcArgs:    32,
		MaxArgLen:        512,
		FastRetry:        jconf.Duration{Duration: 2 * time.Second},
		SlowRetry:        jconf.Duration{Duration: 5 * time.Second},
		KillDelayMin:     jconf.Duration{Duration: 1 * time.Second},
		KillDelayMax:     jconf.Duration{Duration: 60 * time.Second},
		DefaultKillDelay: jconf.Duration{Duration: 3 * time.Second},
	}
}

// Load builds Options from defaults, overridden by an optional JSON file
// (parsed with jconf.ParseInto, which tolerates "//" line comments the way
// the teacher's own JSON configs do) and then by SVINIT_*-prefixed
// environment variables, via hugorm's override-over-env-over-default
// precedence.
func Load(jsonFile io.Reader) (Options, error) {
	opt := Default()

	if jsonFile != nil {
		if err := jconf.ParseInto(jsonFile, &opt); err != nil {
			return opt, fmt.Errorf("config: parsing core options: %w", err)
		}
	}

	h := hugorm.New(hugorm.EnvPrefix("svinit"))
	h.AutomaticEnv()

	keys := map[string]*string{
		"rundir":        &opt.RunDir,
		"plugindir":     &opt.PluginDir,
		"hookscriptdir": &opt.HookScriptDir,
		"norespawnfile": &opt.NorespawnFile,
	}
	for key, dst := range keys {
		h.SetDefault(key, *dst)
		if err := h.BindEnv(key); err != nil {
			return opt, fmt.Errorf("config: binding env for %s: %w", key, err)
		}
		if v := h.Get(key); v != nil {
			if s, ok := v.(string); ok && s != "" {
				*dst = s
			}
		}
	}

	if err := bindInt(h, "svcrespawnmax", &opt.SvcRespawnMax); err != nil {
		return opt, err
	}
	if err := bindInt(h, "maxnumsvcargs", &opt.MaxNumSvcArgs); err != nil {
		return opt, err
	}
	if err := bindInt(h, "maxarglen", &opt.MaxArgLen); err != nil {
		return opt, err
	}
	if err := bindBool(h, "runhookscripts", &opt.RunHookScripts); err != nil {
		return opt, err
	}
	if err := bindDuration(h, "fastretry", &opt.FastRetry); err != nil {
		return opt, err
	}
	if err := bindDuration(h, "slowretry", &opt.SlowRetry); err != nil {
		return opt, err
	}
	if err := bindDuration(h, "killdelaymin", &opt.KillDelayMin); err != nil {
		return opt, err
	}
	if err := bindDuration(h, "killdelaymax", &opt.KillDelayMax); err != nil {
		return opt, err
	}
	if err := bindDuration(h, "defaultkilldelay", &opt.DefaultKillDelay); err != nil {
		return opt, err
	}

	return opt, opt.Validate()
}

func bindInt(h *hugorm.Hugorm, key string, dst *int) error {
	if err := h.BindEnv(key); err != nil {
		return fmt.Errorf("config: binding env for %s: %w", key, err)
	}
	if v := h.Get(key); v != nil {
		s := fmt.Sprintf("%v", v)
		i, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = i
	}
	return nil
}

func bindBool(h *hugorm.Hugorm, key string, dst *bool) error {
	if err := h.BindEnv(key); err != nil {
		return fmt.Errorf("config: binding env for %s: %w", key, err)
	}
	if v := h.Get(key); v != nil {
		s := strings.TrimSpace(fmt.Sprintf("%v", v))
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = b
	}
	return nil
}

func bindDuration(h *hugorm.Hugorm, key string, dst *jconf.Duration) error {
	if err := h.BindEnv(key); err != nil {
		return fmt.Errorf("config: binding env for %s: %w", key, err)
	}
	if v := h.Get(key); v != nil {
		s := strings.TrimSpace(fmt.Sprintf("%v", v))
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		dst.Duration = d
	}
	return nil
}

// Validate clamps/validates per §8's boundary behaviour: configuration
// outside the kill-delay range is rejected with the default retained.
func (o *Options) Validate() error {
	if o.SvcRespawnMax < 1 {
		return fmt.Errorf("config: SvcRespawnMax must be >= 1, got %d", o.SvcRespawnMax)
	}
	if o.KillDelayMin.Duration < time.Second {
		o.KillDelayMin.Duration = time.Second
	}
	if o.KillDelayMax.Duration > 60*time.Second {
		o.KillDelayMax.Duration = 60 * time.Second
	}
	if o.DefaultKillDelay.Duration < o.KillDelayMin.Duration || o.DefaultKillDelay.Duration > o.KillDelayMax.Duration {
		o.DefaultKillDelay.Duration = 3 * time.Second
	}
	return nil
}

// ClampKillDelay implements §8: "killdelay clamped to [1s, 60s]; configuration
// outside the range is rejected with a warning and the default retained."
func (o Options) ClampKillDelay(d time.Duration) (time.Duration, bool) {
	if d < o.KillDelayMin.Duration || d > o.KillDelayMax.Duration {
		return o.DefaultKillDelay.Duration, false
	}
	return d, true
}
