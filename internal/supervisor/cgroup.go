package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/halvardss/svinit/internal/service"
)

// cgroupRoot is where the supervisor expects cgroup v1 hierarchies mounted,
// matching a stock Linux layout (/sys/fs/cgroup/<controller>/...).
var cgroupRoot = "/sys/fs/cgroup"

// joinCgroup implements §4.4 step 6's cgroup_service(): create the group's
// directory under every controller named in Settings, apply any
// "controller.key value" settings lines, and move pid into cgroup.procs.
// Settings is a comma-separated list of "controller.key=value" entries
// (the Go-idiomatic rendering of the original's raw cgroupfs-settings
// string, §9's resolved policy - bounded by service.MaxCgroupSettingsLen).
func joinCgroup(pid int, spec service.CgroupSpec) error {
	if spec.Group == "" {
		return nil
	}
	if len(spec.Settings) > service.MaxCgroupSettingsLen {
		return fmt.Errorf("cgroup settings too long (%d > %d)", len(spec.Settings), service.MaxCgroupSettingsLen)
	}

	controllers := map[string][]string{}
	for _, setting := range strings.Split(spec.Settings, ",") {
		setting = strings.TrimSpace(setting)
		if setting == "" {
			continue
		}
		key, val, ok := strings.Cut(setting, "=")
		if !ok {
			continue
		}
		controller, file, ok := strings.Cut(key, ".")
		if !ok {
			continue
		}
		controllers[controller] = append(controllers[controller], file+" "+val)
	}
	if len(controllers) == 0 {
		// No explicit settings: still join the named group under "cpu" so
		// the group exists for later settings/monitoring.
		controllers["cpu"] = nil
	}

	for controller, settings := range controllers {
		dir := filepath.Join(cgroupRoot, controller, spec.Group)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("cgroup %s: %w", dir, err)
		}
		for _, s := range settings {
			file, val, _ := strings.Cut(s, " ")
			if err := os.WriteFile(filepath.Join(dir, controller+"."+file), []byte(val), 0644); err != nil {
				return fmt.Errorf("cgroup setting %s.%s: %w", controller, file, err)
			}
		}
		if err := os.WriteFile(filepath.Join(dir, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0644); err != nil {
			return fmt.Errorf("cgroup %s: join: %w", dir, err)
		}
	}
	return nil
}
