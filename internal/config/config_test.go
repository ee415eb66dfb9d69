package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ipm "github.com/jjhbw/stochipm"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		check   func(t *testing.T, f File)
		wantErr bool
	}{
		{
			name: "yaml overrides",
			file: "opts.yaml",
			content: `
method: primal-dual
ranks: 3
maximum_correctors: 5
mutol: 1.0e-8
dynamic_corrector_schedule: true
small_corrector_policy: capped
`,
			check: func(t *testing.T, f File) {
				assert.Equal(t, ipm.IPM_PRIMAL_DUAL, f.MethodType())
				assert.Equal(t, 3, f.Ranks)
				assert.Equal(t, 5, f.MaxCorrectors)
				assert.Equal(t, 1e-8, f.MuTol)
				assert.True(t, f.DynamicCorrectorSchedule)
				assert.Equal(t, ipm.SMALL_CORRECTORS_CAPPED, f.SmallCorrectorPolicy)

				// untouched keys keep their defaults
				def := ipm.DefaultOptions()
				assert.Equal(t, def.ArTol, f.ArTol)
				assert.Equal(t, def.GammaF, f.GammaF)
				assert.Equal(t, def.Probing, f.Probing)
			},
		},
		{
			name:    "json",
			file:    "opts.json",
			content: `{"outer_bicg_tol": 1e-9, "dynamic_bicg_tol": false}`,
			check: func(t *testing.T, f File) {
				assert.Equal(t, 1e-9, f.InnerTolerance)
				assert.False(t, f.DynamicInnerTolerance)
				assert.Equal(t, ipm.IPM_PRIMAL, f.MethodType())
			},
		},
		{
			name:    "unknown key",
			file:    "opts.yaml",
			content: "maximum_corectors: 2\n",
			wantErr: true,
		},
		{
			name:    "unknown method",
			file:    "opts.yaml",
			content: "method: dual\n",
			wantErr: true,
		},
		{
			name:    "invalid option value",
			file:    "opts.yaml",
			content: "steplength_factor: 1.5\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Load(writeFile(t, tt.file, tt.content))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, f)
		})
	}
}

func TestLoad_missingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	assert.NoError(t, Default().Validate())
}
