package main

import (
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/tocurd/go-fwup/flash"
)

func TestOpenSimulatedBus(t *testing.T) {
	logger, _ := test.NewNullLogger()

	b := busFlags{sim: "w25q32"}
	dev, closeBus, err := b.open(logger)
	if err != nil {
		t.Fatal(err)
	}
	defer closeBus()
	id, err := dev.ReadID()
	if err != nil {
		t.Fatal(err)
	}
	if id != flash.W25Q32 {
		t.Errorf("id = %v, want %v", id, flash.W25Q32)
	}

	for _, name := range []string{"nonsense", "AT25SF041"} {
		b.sim = name
		if _, _, err := b.open(logger); err == nil {
			t.Errorf("%s accepted", name)
		}
	}
}
