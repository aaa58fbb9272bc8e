package commands

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	pkgerrors "github.com/cybersemics/em-sub013/pkg/errors"
)

func TestEditCommandValidate(t *testing.T) {
	rank := 2.0

	tests := []struct {
		name    string
		cmd     EditCommand
		wantErr bool
	}{
		{"create", EditCommand{Op: OpCreate, ParentID: "__ROOT__", Value: "a"}, false},
		{"create with rank", EditCommand{Op: OpCreate, ParentID: "__ROOT__", Value: "a", Rank: &rank}, false},
		{"create without parent", EditCommand{Op: OpCreate, Value: "a"}, true},
		{"rename", EditCommand{Op: OpRename, ThoughtID: "t1", Value: "b"}, false},
		{"rename without id", EditCommand{Op: OpRename, Value: "b"}, true},
		{"move", EditCommand{Op: OpMove, ThoughtID: "t1", ParentID: "t2"}, false},
		{"move without parent", EditCommand{Op: OpMove, ThoughtID: "t1"}, true},
		{"delete", EditCommand{Op: OpDelete, ThoughtID: "t1"}, false},
		{"archive", EditCommand{Op: OpArchive, ThoughtID: "t1"}, false},
		{"unarchive without id", EditCommand{Op: OpUnarchive}, true},
		{"unknown op", EditCommand{Op: "explode", ThoughtID: "t1"}, true},
		{"missing op", EditCommand{ThoughtID: "t1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, pkgerrors.IsValidation(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEditCommandRankValue(t *testing.T) {
	assert.True(t, EditCommand{}.RankValue().IsMissing())

	r := 1.5
	assert.Equal(t, 1.5, EditCommand{Rank: &r}.RankValue().Float64())

	nan := math.NaN()
	assert.True(t, EditCommand{Rank: &nan}.RankValue().IsMissing())
}
