//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Runs the compositor against the in-process simulated device daemon.
func (Run) Simulated() error {
	if err := buildShaders(); err != nil {
		return err
	}
	fmt.Println("Run compositor (simulated daemon)...")
	if _, err := executeCmd("go", withArgs("run", ".", "-simulate"), withStream()); err != nil {
		return err
	}
	return nil
}

// Runs the compositor with the GPU validation layer enabled.
func (Run) Validate() error {
	if err := buildShaders(); err != nil {
		return err
	}
	fmt.Println("Run compositor (validation)...")
	if _, err := executeCmd("go", withArgs("run", ".", "-simulate", "-validate"), withStream()); err != nil {
		return err
	}
	return nil
}
