package config

import (
	"path/filepath"
	"testing"
)

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turntable.yaml")
	cfg := Default()
	cfg.Serial.Port = "/dev/ttyACM3"
	cfg.Rotation.CalibratedSpeedDps = 1.25
	cfg.SetSimulator(false)

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Serial.Port != "/dev/ttyACM3" || got.Rotation.CalibratedSpeedDps != 1.25 || got.Simulator() {
		t.Errorf("round trip lost values: %+v", got)
	}
}

func TestStore_UpdatePersistsAndValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turntable.yaml")
	store := NewStore(Default(), path)

	updated, err := store.Update(func(c *Config) {
		c.Serial.Port = "/dev/ttyUSB0"
		c.SetSimulator(false)
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Serial.Port != "/dev/ttyUSB0" {
		t.Errorf("updated port = %q", updated.Serial.Port)
	}
	onDisk, err := Load(path)
	if err != nil || onDisk.Serial.Port != "/dev/ttyUSB0" {
		t.Errorf("persisted config = %+v, %v", onDisk, err)
	}

	_, err = store.Update(func(c *Config) { c.Rotation.StepDegrees = 720 })
	if err == nil {
		t.Fatal("invalid update must be rejected")
	}
	if store.Get().Rotation.StepDegrees != 15 {
		t.Error("rejected update must not be applied")
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	store := NewStore(Default(), "")
	c := store.Get()
	c.SetSimulator(false)
	c.Discovery.SerialMarkers[0] = "mutated"
	again := store.Get()
	if !again.Simulator() || again.Discovery.SerialMarkers[0] != "arduino" {
		t.Error("Get must return an independent copy")
	}
}
