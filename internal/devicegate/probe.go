package devicegate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/and161185/tap-wallet/internal/model"
)

// DefaultSuPaths are locations of su binaries left by common rooting tools.
var DefaultSuPaths = []string{
	"/system/bin/su",
	"/system/xbin/su",
	"/sbin/su",
	"/su/bin/su",
	"/system/app/Superuser.apk",
	"/data/adb/magisk",
}

// DefaultSystemDirs are read-only on a stock device.
var DefaultSystemDirs = []string{"/system", "/system/bin", "/vendor"}

// Probe checks root indicators, executable integrity and battery level.
type Probe struct {
	SuPaths    []string
	SystemDirs []string // writable by this process means the system partition was remounted

	// Executable is hashed and compared with ExpectedDigest (hex SHA-256). Empty digest skips the check.
	Executable     string
	ExpectedDigest string

	PowerSupplyDir string
	MinBattery     int
}

// DefaultProbe returns a probe for the running binary.
func DefaultProbe(expectedDigest string, minBattery int) *Probe {
	exe, _ := os.Executable()
	return &Probe{
		SuPaths:        DefaultSuPaths,
		SystemDirs:     DefaultSystemDirs,
		Executable:     exe,
		ExpectedDigest: expectedDigest,
		PowerSupplyDir: "/sys/class/power_supply",
		MinBattery:     minBattery,
	}
}

func (p *Probe) CheckDeviceSecurity(ctx context.Context) (model.DeviceSecurityStatus, error) {
	for _, path := range p.SuPaths {
		if _, err := os.Stat(path); err == nil {
			return model.DeviceSecurityStatus{FailureReason: model.ReasonRooted}, nil
		}
	}
	for _, dir := range p.SystemDirs {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() && unix.Access(dir, unix.W_OK) == nil {
			return model.DeviceSecurityStatus{FailureReason: model.ReasonRooted}, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return model.DeviceSecurityStatus{}, err
	}

	if p.ExpectedDigest != "" {
		sum, err := fileDigest(p.Executable)
		if err != nil {
			return model.DeviceSecurityStatus{}, fmt.Errorf("integrity: %w", err)
		}
		if !strings.EqualFold(sum, p.ExpectedDigest) {
			return model.DeviceSecurityStatus{FailureReason: model.ReasonIntegrityFailed}, nil
		}
	}

	low, err := p.lowBattery()
	if err != nil {
		return model.DeviceSecurityStatus{}, fmt.Errorf("battery: %w", err)
	}
	if low {
		return model.DeviceSecurityStatus{FailureReason: model.ReasonLowBattery}, nil
	}
	return model.DeviceSecurityStatus{Passed: true}, nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// lowBattery reports whether any discharging battery is below MinBattery percent.
// A missing power_supply directory means no battery to check.
func (p *Probe) lowBattery() (bool, error) {
	if p.MinBattery <= 0 || p.PowerSupplyDir == "" {
		return false, nil
	}
	entries, err := os.ReadDir(p.PowerSupplyDir)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		dir := filepath.Join(p.PowerSupplyDir, e.Name())
		if readTrim(filepath.Join(dir, "type")) != "Battery" {
			continue
		}
		capacity, err := strconv.Atoi(readTrim(filepath.Join(dir, "capacity")))
		if err != nil {
			continue
		}
		if capacity < p.MinBattery && readTrim(filepath.Join(dir, "status")) != "Charging" {
			return true, nil
		}
	}
	return false, nil
}

func readTrim(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
