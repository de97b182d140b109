package console

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/lowaak/smart-trainer/fitness-ble/internal/transport"
)

// Role is a logical slot a connected device fills.
type Role string

const (
	RolePrimaryTrainer Role = "primary-trainer"
	RolePower          Role = "power"
	RoleCadence        Role = "cadence"
	RoleSpeed          Role = "speed"
	RoleHeartRate      Role = "heart-rate"
)

var roleCapability = map[Role]transport.Capability{
	RolePrimaryTrainer: transport.CapabilityERG,
	RolePower:          transport.CapabilityPower,
	RoleCadence:        transport.CapabilityCadence,
	RoleSpeed:          transport.CapabilitySpeed,
	RoleHeartRate:      transport.CapabilityHeartRate,
}

// SavedDevice is what is remembered for a role. TransportID is the stable
// transport identifier, e.g. "ftms".
type SavedDevice struct {
	DeviceID    string `json:"device_id"`
	DeviceName  string `json:"device_name"`
	TransportID string `json:"transport_id"`
}

type roleStoreData struct {
	DeviceByRole map[Role]SavedDevice `json:"device_by_role"`
}

// RoleStore persists role assignments as JSON so devices can be reconnected
// at startup without scanning.
type RoleStore struct {
	filePath string
	logger   *log.Logger

	mu   sync.Mutex
	data roleStoreData
}

// DefaultRoleStorePath is ~/.smart-trainer/roles.json.
func DefaultRoleStorePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".smart-trainer", "roles.json")
}

func NewRoleStore(filePath string, logger *log.Logger) *RoleStore {
	if logger == nil {
		panic("RoleStore: logger cannot be nil")
	}
	s := &RoleStore{filePath: filePath, logger: logger}
	s.load()
	return s
}

func (s *RoleStore) Get(role Role) (SavedDevice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data.DeviceByRole[role]
	return d, ok
}

// Set records d for role and saves if anything changed.
func (s *RoleStore) Set(role Role, d SavedDevice) {
	s.mu.Lock()
	if s.data.DeviceByRole[role] == d {
		s.mu.Unlock()
		return
	}
	s.data.DeviceByRole[role] = d
	s.mu.Unlock()
	s.logger.Printf("RoleStore: %s -> %s (%s via %s)", role, d.DeviceID, d.DeviceName, d.TransportID)
	s.save()
}

// DeviceIDs lists the distinct saved device ids in sorted order.
func (s *RoleStore) DeviceIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var ids []string
	for _, d := range s.data.DeviceByRole {
		if d.DeviceID != "" && !seen[d.DeviceID] {
			seen[d.DeviceID] = true
			ids = append(ids, d.DeviceID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Name returns the saved name for deviceID, if any role remembers it.
func (s *RoleStore) Name(deviceID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.data.DeviceByRole {
		if d.DeviceID == deviceID {
			return d.DeviceName
		}
	}
	return ""
}

func (s *RoleStore) load() {
	s.data = roleStoreData{DeviceByRole: make(map[Role]SavedDevice)}
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		s.logger.Printf("RoleStore: load %s (no existing file)", s.filePath)
		return
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		s.logger.Printf("RoleStore: load %s failed to parse: %v", s.filePath, err)
		return
	}
	if s.data.DeviceByRole == nil {
		s.data.DeviceByRole = make(map[Role]SavedDevice)
	}
	s.logger.Printf("RoleStore: load %s -> %d role(s)", s.filePath, len(s.data.DeviceByRole))
}

func (s *RoleStore) save() {
	s.mu.Lock()
	raw, err := json.MarshalIndent(s.data, "", "  ")
	s.mu.Unlock()
	if err != nil {
		s.logger.Printf("RoleStore: save marshal failed: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		s.logger.Printf("RoleStore: save mkdir failed: %v", err)
		return
	}
	if err := os.WriteFile(s.filePath, raw, 0644); err != nil {
		s.logger.Printf("RoleStore: save %s failed: %v", s.filePath, err)
	}
}
