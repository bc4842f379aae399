package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeCommandRegistersTargetfileFlag(t *testing.T) {
	cmd := newChainCmd("merge", "merge chain")
	assert.NotNil(t, cmd.Flags().Lookup("targetfile"))
}

func TestRebaseCommandHasNoTargetfileFlag(t *testing.T) {
	cmd := newChainCmd("rebase", "rebase chain")
	assert.Nil(t, cmd.Flags().Lookup("targetfile"))
}
