package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/james226/collab-session/config"
	"github.com/james226/collab-session/connection"
	"github.com/james226/collab-session/session"
)

func testCommand() (*cobra.Command, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	return cmd, &out, &errOut
}

func TestReadLoopStopsWhenSessionEnds(t *testing.T) {
	cmd, _, _ := testCommand()
	s := session.New(config.Default().Client)

	ended := make(chan error, 1)
	ended <- connection.ErrKicked
	err := readLoop(context.Background(), cmd, s, make(chan string), ended)
	assert.ErrorIs(t, err, connection.ErrKicked)
}

func TestReadLoopReportsFailedLinesUntilLeave(t *testing.T) {
	cmd, out, errOut := testCommand()
	s := session.New(config.Default().Client)

	lines := make(chan string, 3)
	lines <- "hello"
	lines <- "/help"
	lines <- "/leave"
	require.NoError(t, readLoop(context.Background(), cmd, s, lines, make(chan error)))

	assert.Contains(t, errOut.String(), connection.ErrNotInRoom.Error())
	assert.Contains(t, out.String(), "/highlight <entity>")
}

func TestReadLoopEndsWithInput(t *testing.T) {
	cmd, _, _ := testCommand()
	s := session.New(config.Default().Client)

	lines := make(chan string)
	close(lines)
	assert.NoError(t, readLoop(context.Background(), cmd, s, lines, make(chan error)))
}
