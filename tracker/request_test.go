package tracker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirection(t *testing.T) {
	for _, in := range []string{"export", "UNLOAD", " Export "} {
		d, err := ParseDirection(in)
		require.NoError(t, err)
		assert.Equal(t, Export, d)
	}
	for _, in := range []string{"import", "copy"} {
		d, err := ParseDirection(in)
		require.NoError(t, err)
		assert.Equal(t, Import, d)
	}
	_, err := ParseDirection("sideways")
	assert.Error(t, err)
}

func TestRequestValidate(t *testing.T) {
	valid := exportRequest()
	require.NoError(t, valid.Validate())

	cases := map[string]func(*Request){
		"direction": func(r *Request) { r.Direction = 0 },
		"table":     func(r *Request) { r.Table = " " },
		"path":      func(r *Request) { r.StoragePath = "/tmp/orders" },
		"bare path": func(r *Request) { r.StoragePath = "s3://" },
		"role":      func(r *Request) { r.CredentialRole = "redshift-unload" },
		"format":    func(r *Request) { r.Format = "ORC" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := exportRequest()
			mutate(&r)
			assert.Error(t, r.Validate())
		})
	}
}

func TestRequestStatement(t *testing.T) {
	exp := exportRequest().Statement()
	assert.True(t, strings.HasPrefix(exp, "UNLOAD ("))
	assert.Contains(t, exp, `"sales"."orders"`)

	imp := importRequest().Statement()
	assert.True(t, strings.HasPrefix(imp, `COPY "sales"."orders"`))
	assert.Equal(t, "sales.orders", importRequest().QualifiedTable())
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusRunning.Terminal())
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusUnknown, StatusTimedOut} {
		assert.True(t, s.Terminal(), s.String())
	}
}
