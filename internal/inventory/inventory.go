// Package inventory builds the in-memory fleet view the dispatcher executes
// against. A Snapshot is assembled in one pass from the defaults, group and
// device tables, with connection parameters resolved through the layered
// chain Defaults < Group < Device: scalar fields are overridden wholesale by
// the most specific non-null value, map-valued extension data is merged
// key-wise so later layers add or override individual keys without dropping
// the rest.
//
// Snapshots are immutable once built. The Service holds the current snapshot
// behind an atomic pointer; Reload builds a fresh snapshot and swaps it in,
// so an in-flight dispatch always sees one consistent view and never a
// partially updated inventory.
package inventory

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mam15mon/network/internal/db"
	"github.com/mam15mon/network/internal/repositories"
)

// ConnectionOptions is one named transport-specific parameter bundle after
// layer merging. Scalar fields are nil when no layer set them; Extras is the
// key-wise merged free-form option map handed to the transport.
type ConnectionOptions struct {
	Hostname *string        `json:"hostname"`
	Port     *int           `json:"port"`
	Username *string        `json:"username"`
	Password *string        `json:"-"`
	Platform *string        `json:"platform"`
	Extras   map[string]any `json:"extras"`
}

// Host is one device with all connection parameters fully resolved.
type Host struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	Platform string `json:"platform"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`

	// GroupName is the resolved group, empty when the device is ungrouped or
	// referenced a group that does not exist.
	GroupName string `json:"group_name"`

	// Data is the merged extension data (Defaults < Group < Device).
	Data map[string]any `json:"data"`

	// ConnectionOptions maps connection kind (e.g. "cli", "netconf") to the
	// merged option bundle for that kind.
	ConnectionOptions map[string]ConnectionOptions `json:"connection_options"`
}

// Snapshot is an immutable point-in-time view of the fleet.
type Snapshot struct {
	hosts   map[string]*Host
	builtAt time.Time
}

// GetHost returns the host with the given name, or nil if unknown.
func (s *Snapshot) GetHost(name string) *Host {
	return s.hosts[name]
}

// Len returns the number of hosts in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.hosts)
}

// BuiltAt returns the time the snapshot was assembled.
func (s *Snapshot) BuiltAt() time.Time {
	return s.builtAt
}

// ListHosts returns host names matching the filters, in no particular order.
// Supported filter keys: "group", "platform", plus any key present in the
// host's merged extension data (matched by string equality).
func (s *Snapshot) ListHosts(filters map[string]string) []string {
	names := make([]string, 0, len(s.hosts))
	for name, host := range s.hosts {
		if matchesFilters(host, filters) {
			names = append(names, name)
		}
	}
	return names
}

func matchesFilters(host *Host, filters map[string]string) bool {
	for key, want := range filters {
		switch key {
		case "group":
			if host.GroupName != want {
				return false
			}
		case "platform":
			if host.Platform != want {
				return false
			}
		default:
			got, ok := host.Data[key]
			if !ok || fmt.Sprintf("%v", got) != want {
				return false
			}
		}
	}
	return true
}

// Service owns the current inventory snapshot and rebuilds it on demand.
type Service struct {
	devices repositories.DeviceRepository
	logger  *zap.Logger
	current atomic.Pointer[Snapshot]
}

// NewService creates an inventory Service. Call Reload once at startup before
// the first dispatch.
func NewService(devices repositories.DeviceRepository, logger *zap.Logger) *Service {
	s := &Service{
		devices: devices,
		logger:  logger.Named("inventory"),
	}
	s.current.Store(&Snapshot{hosts: map[string]*Host{}, builtAt: time.Now().UTC()})
	return s
}

// Snapshot returns the current immutable inventory view. Never nil.
func (s *Service) Snapshot() *Snapshot {
	return s.current.Load()
}

// Reload rebuilds the snapshot from the database and swaps it in atomically.
// Dispatches running against the previous snapshot are unaffected.
func (s *Service) Reload(ctx context.Context) error {
	snapshot, err := s.build(ctx)
	if err != nil {
		return fmt.Errorf("inventory: reload: %w", err)
	}
	s.current.Store(snapshot)
	s.logger.Info("inventory reloaded", zap.Int("hosts", snapshot.Len()))
	return nil
}

func (s *Service) build(ctx context.Context) (*Snapshot, error) {
	defaults, err := s.devices.GetDefaults(ctx)
	if err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	groupRows, err := s.devices.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}
	groups := make(map[string]*db.DeviceGroup, len(groupRows))
	for i := range groupRows {
		groups[groupRows[i].Name] = &groupRows[i]
	}

	devices, err := s.devices.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}

	hosts := make(map[string]*Host, len(devices))
	for i := range devices {
		device := &devices[i]
		host := s.resolveHost(device, groups, defaults)
		hosts[host.Name] = host
	}

	return &Snapshot{hosts: hosts, builtAt: time.Now().UTC()}, nil
}

// resolveHost walks the Defaults -> Group -> Device chain and produces the
// effective host. A device referencing a nonexistent group does not fail
// resolution; it logs a warning and resolves as ungrouped.
func (s *Service) resolveHost(device *db.Device, groups map[string]*db.DeviceGroup, defaults *db.DeviceDefaults) *Host {
	var group *db.DeviceGroup
	groupName := ""
	if device.GroupName != nil && *device.GroupName != "" {
		if g, ok := groups[*device.GroupName]; ok {
			group = g
			groupName = g.Name
		} else {
			s.logger.Warn("device references nonexistent group, resolving as ungrouped",
				zap.String("device", device.Name),
				zap.String("group", *device.GroupName),
			)
		}
	}

	host := &Host{
		Name:      device.Name,
		Hostname:  device.Hostname,
		GroupName: groupName,
		Platform:  resolveString(device.Platform, groupPlatform(group), defaultsString(defaults.Platform)),
		Port:      resolvePort(device.Port, groupPort(group), defaults.Port),
		Username:  resolveString(device.Username, groupUsername(group), defaultsString(defaults.Username)),
		Password:  resolveString(string(device.Password), groupPassword(group), string(defaults.Password)),
	}

	// Extension data merge: Defaults < Group < Device. Map-valued keys merge
	// key-wise one level deep (e.g. command_timeouts rule sets from different
	// layers combine); scalar keys override wholesale.
	data := map[string]any{}
	mergeData(data, defaults.Data)
	if group != nil {
		mergeData(data, group.Data)
	}
	mergeData(data, device.Data)
	if device.Site != "" {
		data["site"] = device.Site
	}
	if device.DeviceType != "" {
		data["device_type"] = device.DeviceType
	}
	host.Data = data

	// Connection option bundles: collect every kind any layer mentions, then
	// merge each kind's chain.
	defaultsOpts := parseConnectionOptions(defaults.ConnectionOptions)
	var groupOpts map[string]ConnectionOptions
	if group != nil {
		groupOpts = parseConnectionOptions(group.ConnectionOptions)
	}
	deviceOpts := parseConnectionOptions(device.ConnectionOptions)

	kinds := map[string]bool{}
	for kind := range defaultsOpts {
		kinds[kind] = true
	}
	for kind := range groupOpts {
		kinds[kind] = true
	}
	for kind := range deviceOpts {
		kinds[kind] = true
	}

	merged := make(map[string]ConnectionOptions, len(kinds))
	for kind := range kinds {
		chain := make([]*ConnectionOptions, 0, 3)
		if o, ok := defaultsOpts[kind]; ok {
			chain = append(chain, &o)
		}
		if o, ok := groupOpts[kind]; ok {
			chain = append(chain, &o)
		}
		if o, ok := deviceOpts[kind]; ok {
			chain = append(chain, &o)
		}
		merged[kind] = mergeConnectionOptionChain(chain)
	}
	host.ConnectionOptions = merged

	return host
}

// mergeData overlays layer onto dst key-wise. When both sides hold a map for
// the same key the two maps are merged key-wise as well; any other value
// replaces the previous one.
func mergeData(dst map[string]any, layer map[string]any) {
	for key, value := range layer {
		if sub, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				combined := make(map[string]any, len(existing)+len(sub))
				for k, v := range existing {
					combined[k] = v
				}
				for k, v := range sub {
					combined[k] = v
				}
				dst[key] = combined
				continue
			}
			copied := make(map[string]any, len(sub))
			for k, v := range sub {
				copied[k] = v
			}
			dst[key] = copied
			continue
		}
		dst[key] = value
	}
}

// parseConnectionOptions converts the stored JSON structure into option
// bundles. Two storage shapes are accepted for each kind:
//
//	{"cli": {"auth_strict_key": false, "transport": "ssh"}}          // bare extras
//	{"cli": {"hostname": "...", "port": 2222, "extras": {...}}}      // full bundle
func parseConnectionOptions(raw db.JSONMap) map[string]ConnectionOptions {
	if len(raw) == 0 {
		return nil
	}
	parsed := make(map[string]ConnectionOptions, len(raw))
	for kind, value := range raw {
		bundle, ok := value.(map[string]any)
		if !ok || bundle == nil {
			continue
		}

		opts := ConnectionOptions{}
		known := false
		if v, ok := bundle["hostname"].(string); ok {
			opts.Hostname = &v
			known = true
		}
		if v, ok := toInt(bundle["port"]); ok {
			opts.Port = &v
			known = true
		}
		if v, ok := bundle["username"].(string); ok {
			opts.Username = &v
			known = true
		}
		if v, ok := bundle["password"].(string); ok {
			opts.Password = &v
			known = true
		}
		if v, ok := bundle["platform"].(string); ok {
			opts.Platform = &v
			known = true
		}
		if extras, ok := bundle["extras"].(map[string]any); ok {
			opts.Extras = extras
			known = true
		}
		if !known {
			// No recognized scalar fields: the whole object is extras.
			opts.Extras = bundle
		}
		parsed[kind] = opts
	}
	return parsed
}

// mergeConnectionOptionChain folds a Defaults -> Group -> Device chain into
// one bundle: scalars taken from the last non-nil value, extras merged
// key-wise so later layers override individual keys only.
func mergeConnectionOptionChain(chain []*ConnectionOptions) ConnectionOptions {
	merged := ConnectionOptions{Extras: map[string]any{}}
	for _, opts := range chain {
		if opts == nil {
			continue
		}
		if opts.Hostname != nil {
			merged.Hostname = opts.Hostname
		}
		if opts.Port != nil {
			merged.Port = opts.Port
		}
		if opts.Username != nil {
			merged.Username = opts.Username
		}
		if opts.Password != nil {
			merged.Password = opts.Password
		}
		if opts.Platform != nil {
			merged.Platform = opts.Platform
		}
		for k, v := range opts.Extras {
			merged.Extras[k] = v
		}
	}
	if len(merged.Extras) == 0 {
		merged.Extras = nil
	}
	return merged
}

func resolveString(deviceVal, groupVal, defaultVal string) string {
	if deviceVal != "" {
		return deviceVal
	}
	if groupVal != "" {
		return groupVal
	}
	return defaultVal
}

func resolvePort(devicePort int, groupPort *int, defaultPort *int) int {
	if devicePort != 0 {
		return devicePort
	}
	if groupPort != nil && *groupPort != 0 {
		return *groupPort
	}
	if defaultPort != nil && *defaultPort != 0 {
		return *defaultPort
	}
	return 22
}

func groupPlatform(g *db.DeviceGroup) string {
	if g == nil || g.Platform == nil {
		return ""
	}
	return *g.Platform
}

func groupUsername(g *db.DeviceGroup) string {
	if g == nil || g.Username == nil {
		return ""
	}
	return *g.Username
}

func groupPassword(g *db.DeviceGroup) string {
	if g == nil {
		return ""
	}
	return string(g.Password)
}

func groupPort(g *db.DeviceGroup) *int {
	if g == nil {
		return nil
	}
	return g.Port
}

func defaultsString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// toInt normalizes the numeric types a JSON decode can produce.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
