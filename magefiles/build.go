//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

// Compiles the warp shaders to SPIR-V.
func (Build) Shaders() error {
	return buildShaders()
}

// Builds the shaders and the compositor binary.
func (Build) Compositor() error {
	if err := buildShaders(); err != nil {
		return err
	}
	if _, err := executeCmd("go", withArgs("build", "-o", "bin/prisma", "."), withStream()); err != nil {
		return err
	}
	return nil
}
