// Package acceleration picks the OpenCV DNN backend the sface model runs on.
// It probes the host for NVIDIA CUDA and Intel OpenVINO and falls back to
// plain CPU inference when neither is usable.
package acceleration

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/MrCodeEU/cortex/pkg/logging"
	"gocv.io/x/gocv"
)

var log = logging.Component("acceleration")

// Backend represents an acceleration backend type.
type Backend string

const (
	// BackendCPU is the default CPU-only backend (always available).
	BackendCPU Backend = "cpu"

	// BackendCUDA runs the DNN module on an NVIDIA GPU. OpenCV must be
	// built with CUDA support for this to take effect.
	BackendCUDA Backend = "cuda"

	// BackendOpenVINO runs the DNN module through Intel's inference engine.
	BackendOpenVINO Backend = "openvino"

	// BackendAuto automatically selects the best available backend.
	BackendAuto Backend = "auto"
)

// ParseBackend maps a config string onto a Backend.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case BackendCPU, BackendCUDA, BackendOpenVINO, BackendAuto:
		return b, nil
	case "":
		return BackendAuto, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrBackendNotAvailable, s)
	}
}

// BackendInfo contains information about an acceleration backend.
type BackendInfo struct {
	Backend     Backend
	Name        string
	Available   bool
	Version     string
	DeviceName  string
	DeviceCount int
	Warning     string
}

// Config holds acceleration configuration.
type Config struct {
	PreferredBackend Backend
	FallbackToCPU    bool
}

// DefaultConfig returns default acceleration configuration.
func DefaultConfig() Config {
	return Config{
		PreferredBackend: BackendAuto,
		FallbackToCPU:    true,
	}
}

// Manager manages acceleration backends.
type Manager struct {
	config            Config
	activeBackend     Backend
	availableBackends map[Backend]*BackendInfo
	mu                sync.RWMutex
	initialized       bool

	// probes are swapped out in tests
	probes map[Backend]func() *BackendInfo
}

// NewManager returns a manager that probes the real host.
func NewManager() *Manager {
	return &Manager{
		config:            DefaultConfig(),
		availableBackends: make(map[Backend]*BackendInfo),
		probes: map[Backend]func() *BackendInfo{
			BackendCUDA:     detectCUDA,
			BackendOpenVINO: detectOpenVINO,
		},
	}
}

// Initialize detects the available backends and selects one.
// A preferred backend that is missing is an error only when FallbackToCPU is off.
func (m *Manager) Initialize(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = cfg
	if m.availableBackends == nil {
		m.availableBackends = make(map[Backend]*BackendInfo)
	}
	m.detectBackends()

	backend, err := m.selectBackend(cfg.PreferredBackend)
	if err != nil {
		return err
	}
	m.activeBackend = backend
	m.initialized = true

	if info := m.availableBackends[backend]; info != nil {
		log.Infof("Acceleration initialized: %s (%s)", info.Name, info.DeviceName)
		if info.Warning != "" {
			log.Warnf("Backend warning: %s", info.Warning)
		}
	}
	return nil
}

func (m *Manager) detectBackends() {
	m.availableBackends[BackendCPU] = &BackendInfo{
		Backend:     BackendCPU,
		Name:        "CPU (OpenCV DNN)",
		Available:   true,
		Version:     gocv.OpenCVVersion(),
		DeviceName:  getCPUName(),
		DeviceCount: runtime.NumCPU(),
	}

	for backend, probe := range m.probes {
		if info := probe(); info != nil {
			m.availableBackends[backend] = info
		}
	}
}

func (m *Manager) selectBackend(preferred Backend) (Backend, error) {
	if preferred != BackendAuto && preferred != "" {
		if info, ok := m.availableBackends[preferred]; ok && info.Available {
			return preferred, nil
		}
		if !m.config.FallbackToCPU {
			return "", fmt.Errorf("%w: %s", ErrBackendNotAvailable, preferred)
		}
		log.Warnf("Requested backend %s not available, falling back to CPU", preferred)
		return BackendCPU, nil
	}

	for _, backend := range []Backend{BackendCUDA, BackendOpenVINO, BackendCPU} {
		if info, ok := m.availableBackends[backend]; ok && info.Available {
			return backend, nil
		}
	}
	return BackendCPU, nil
}

// GetActiveBackend returns the currently active backend.
func (m *Manager) GetActiveBackend() Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeBackend
}

// GetBackendInfo returns information about a specific backend.
func (m *Manager) GetBackendInfo(backend Backend) *BackendInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.availableBackends[backend]
}

// GetAllBackends returns information about all detected backends.
func (m *Manager) GetAllBackends() map[Backend]*BackendInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[Backend]*BackendInfo, len(m.availableBackends))
	for k, v := range m.availableBackends {
		result[k] = v
	}
	return result
}

// IsAccelerated returns true if inference runs off the CPU.
func (m *Manager) IsAccelerated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeBackend != BackendCPU && m.activeBackend != ""
}

// DNNTarget returns the OpenCV backend/target pair for the active backend.
func (m *Manager) DNNTarget() (gocv.NetBackendType, gocv.NetTargetType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return gocv.NetBackendDefault, gocv.NetTargetCPU, ErrNotInitialized
	}
	b, t := DNNTarget(m.activeBackend)
	return b, t, nil
}

// DNNTarget maps a Backend onto the OpenCV DNN backend and target.
func DNNTarget(backend Backend) (gocv.NetBackendType, gocv.NetTargetType) {
	switch backend {
	case BackendCUDA:
		return gocv.NetBackendCUDA, gocv.NetTargetCUDA
	case BackendOpenVINO:
		return gocv.NetBackendOpenVINO, gocv.NetTargetCPU
	default:
		return gocv.NetBackendDefault, gocv.NetTargetCPU
	}
}

func detectCUDA() *BackendInfo {
	info := &BackendInfo{
		Backend: BackendCUDA,
		Name:    "NVIDIA CUDA",
		Warning: "OpenCV must be built with CUDA for the DNN module to use the GPU",
	}

	output, err := exec.Command("nvidia-smi", "--query-gpu=name,driver_version", "--format=csv,noheader").Output()
	if err != nil {
		return nil
	}

	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) > 0 && lines[0] != "" {
		parts := strings.Split(lines[0], ",")
		info.DeviceName = strings.TrimSpace(parts[0])
		if len(parts) >= 2 {
			info.Version = strings.TrimSpace(parts[1])
		}
		info.DeviceCount = len(lines)
		info.Available = true
	}

	return info
}

func detectOpenVINO() *BackendInfo {
	openvinoPath := os.Getenv("INTEL_OPENVINO_DIR")
	if openvinoPath == "" {
		for _, p := range []string{"/opt/intel/openvino", "/opt/intel/openvino_2024", "/opt/intel/openvino_2023"} {
			if _, err := os.Stat(p); err == nil {
				openvinoPath = p
				break
			}
		}
	}
	if openvinoPath == "" {
		return nil
	}

	info := &BackendInfo{
		Backend:     BackendOpenVINO,
		Name:        "Intel OpenVINO",
		Available:   true,
		Version:     getOpenVINOVersion(openvinoPath),
		DeviceName:  detectIntelDevice(),
		DeviceCount: 1,
	}
	return info
}

func getOpenVINOVersion(path string) string {
	if data, err := os.ReadFile(filepath.Join(path, "version.txt")); err == nil {
		return strings.TrimSpace(string(data))
	}
	return "unknown"
}

func detectIntelDevice() string {
	devices, _ := filepath.Glob("/sys/class/drm/card*/device/vendor")
	for _, dev := range devices {
		vendor, _ := os.ReadFile(dev)
		if strings.TrimSpace(string(vendor)) == "0x8086" { // Intel vendor ID
			if nameData, err := os.ReadFile(filepath.Join(filepath.Dir(dev), "device")); err == nil {
				return fmt.Sprintf("Intel GPU (device: %s)", strings.TrimSpace(string(nameData)))
			}
			return "Intel GPU"
		}
	}
	return "Intel (CPU inference)"
}

func getCPUName() string {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return "Unknown CPU"
	}

	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "model name") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	}

	return "Unknown CPU"
}

// ErrBackendNotAvailable is returned when a requested backend is not available.
var ErrBackendNotAvailable = errors.New("acceleration backend not available")

// ErrNotInitialized is returned when the manager is not initialized.
var ErrNotInitialized = errors.New("acceleration manager not initialized")
