package barge

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riverstage/barge/bargetype"
)

type greetingArgs struct {
	Name string `json:"name"`
}

func (greetingArgs) Kind() string { return "greeting" }

func TestJobFromRow_DecodesArgs(t *testing.T) {
	row := &bargetype.JobRow{
		ID:     42,
		Worker: "greeting",
		Args:   []byte(`{"name":"ada"}`),
	}

	job, err := JobFromRow[greetingArgs](row)
	require.NoError(t, err)
	require.Equal(t, "ada", job.Args.Name)
	require.Same(t, row, job.JobRow)
}

func TestJobFromRow_InvalidJSON(t *testing.T) {
	row := &bargetype.JobRow{ID: 1, Worker: "greeting", Args: []byte(`not json`)}

	_, err := JobFromRow[greetingArgs](row)
	require.Error(t, err)
}
