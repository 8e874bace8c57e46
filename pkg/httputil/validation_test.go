package httputil_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmapos/pharmapos-backend/pkg/errors"
	"github.com/pharmapos/pharmapos-backend/pkg/httputil"
)

type priced struct {
	UnitCost string `json:"unit_cost" validate:"omitempty,decimal"`
}

func TestValidate_Decimal(t *testing.T) {
	tests := []struct {
		name  string
		value string
		valid bool
	}{
		{name: "empty is optional", value: "", valid: true},
		{name: "integer", value: "1500", valid: true},
		{name: "fraction", value: "1500.25", valid: true},
		{name: "negative", value: "-1", valid: false},
		{name: "not a number", value: "abc", valid: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := httputil.Validate(&priced{UnitCost: tc.value})
			if tc.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrValidation), "got %v", err)
			appErr, ok := err.(*errors.AppError)
			require.True(t, ok)
			assert.Equal(t, "must be a non-negative decimal amount", appErr.Details["unit_cost"])
		})
	}
}
