package statetransfer

import (
	"testing"

	"github.com/devrev/pairdb/datagrid/internal/hash"
	"github.com/devrev/pairdb/datagrid/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourcePolicies(t *testing.T) {
	members := []model.Address{"a:1", "b:1", "c:1"}
	ch, err := hash.NewDefaultConsistentHash(3, members, [][]model.Address{{"a:1", "b:1", "c:1"}})
	require.NoError(t, err)

	tests := []struct {
		name     string
		policy   SourcePolicy
		self     model.Address
		excluded func(model.Address) bool
		want     model.Address
		found    bool
	}{
		{name: "last owner", policy: LastOwnerPolicy{}, self: "z:1", want: "c:1", found: true},
		{name: "last owner skips self", policy: LastOwnerPolicy{}, self: "c:1", want: "b:1", found: true},
		{name: "first owner", policy: FirstOwnerPolicy{}, self: "z:1", want: "a:1", found: true},
		{
			name:     "first owner skips excluded",
			policy:   FirstOwnerPolicy{},
			self:     "z:1",
			excluded: func(a model.Address) bool { return a == "a:1" },
			want:     "b:1",
			found:    true,
		},
		{
			name:     "nothing eligible",
			policy:   LastOwnerPolicy{},
			self:     "a:1",
			excluded: func(a model.Address) bool { return a != "a:1" },
			found:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.policy.PickSource(0, ch, tt.self, tt.excluded)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPolicyByName(t *testing.T) {
	assert.IsType(t, FirstOwnerPolicy{}, PolicyByName("first"))
	assert.IsType(t, LastOwnerPolicy{}, PolicyByName("last"))
	assert.IsType(t, LastOwnerPolicy{}, PolicyByName(""))
}
