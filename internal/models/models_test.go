package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBaseModelBeforeCreateGeneratesID(t *testing.T) {
	var base BaseModel
	require.NoError(t, base.BeforeCreate(nil))
	require.NotEmpty(t, base.ID)
}

func TestBeforeCreateKeepsExplicitID(t *testing.T) {
	field := Field{BaseModel: BaseModel{ID: "f1"}}
	require.NoError(t, field.BeforeCreate(nil))
	require.Equal(t, "f1", field.ID)

	resp := FormResponse{}
	require.NoError(t, resp.BeforeCreate(nil))
	require.NotEmpty(t, resp.ID)
}
