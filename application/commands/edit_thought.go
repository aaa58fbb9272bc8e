package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/cybersemics/em-sub013/domain/core/valueobjects"
	pkgerrors "github.com/cybersemics/em-sub013/pkg/errors"
)

// EditOp names one kind of outline edit
type EditOp string

const (
	OpCreate    EditOp = "create"
	OpRename    EditOp = "rename"
	OpMove      EditOp = "move"
	OpDelete    EditOp = "delete"
	OpArchive   EditOp = "archive"
	OpUnarchive EditOp = "unarchive"
)

// EditCommand represents one local edit of the outline
type EditCommand struct {
	Op        EditOp   `json:"op" validate:"required,oneof=create rename move delete archive unarchive"`
	ThoughtID string   `json:"thoughtId,omitempty" validate:"omitempty,max=128"`
	ParentID  string   `json:"parentId,omitempty" validate:"omitempty,max=128"`
	Value     string   `json:"value"`
	Rank      *float64 `json:"rank,omitempty"`
}

var validate = validator.New()

// Validate checks field formats and the fields each op requires
func (c EditCommand) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return pkgerrors.NewValidationError("invalid edit: " + strings.Join(fields, ", "))
		}
		return pkgerrors.NewValidationError(err.Error())
	}

	switch c.Op {
	case OpCreate:
		if c.ParentID == "" {
			return pkgerrors.NewValidationError("create requires parentId")
		}
	case OpMove:
		if c.ThoughtID == "" || c.ParentID == "" {
			return pkgerrors.NewValidationError("move requires thoughtId and parentId")
		}
	default:
		if c.ThoughtID == "" {
			return pkgerrors.NewValidationError(fmt.Sprintf("%s requires thoughtId", c.Op))
		}
	}
	return nil
}

// Thought parses the target thought id
func (c EditCommand) Thought() (valueobjects.ThoughtID, error) {
	return valueobjects.ParseThoughtID(c.ThoughtID)
}

// Parent parses the parent id
func (c EditCommand) Parent() (valueobjects.ThoughtID, error) {
	return valueobjects.ParseThoughtID(c.ParentID)
}

// RankValue returns the requested rank, or MissingRank to let the outline
// place the thought after its siblings
func (c EditCommand) RankValue() valueobjects.Rank {
	if c.Rank == nil {
		return valueobjects.MissingRank
	}
	return valueobjects.Rank(*c.Rank)
}
