package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planboard/api/internal/auth"
	"planboard/api/internal/rbac"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return strings.TrimSpace(out.String()), err
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("PLANBOARD_JWT_SECRET", "cli-secret")

	out, err := execute(t, "token", "--user", "u-42", "--avatar", "https://example.test/a.png")
	require.NoError(t, err)

	claims, err := auth.ParseToken([]byte("cli-secret"), out)
	require.NoError(t, err)
	assert.Equal(t, auth.Identity{UserID: "u-42", Name: "u-42", Avatar: "https://example.test/a.png"}, claims.Identity())
}

func TestTokenCommandReadsConfigFile(t *testing.T) {
	t.Setenv("PLANBOARD_JWT_SECRET", "")
	path := filepath.Join(t.TempDir(), "planboard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jwtSecret: from-file\n"), 0o600))

	out, err := execute(t, "--config", path, "token", "--user", "u1", "--name", "Una")
	require.NoError(t, err)

	claims, err := auth.ParseToken([]byte("from-file"), out)
	require.NoError(t, err)
	assert.Equal(t, "Una", claims.Name)
}

func TestTokenCommandRequiresUser(t *testing.T) {
	_, err := execute(t, "token")
	assert.Error(t, err)
}

func TestDocumentCreate(t *testing.T) {
	t.Setenv("STORE_BACKEND", "badger")
	t.Setenv("BADGER_DIR", t.TempDir())

	out, err := execute(t, "document", "create", "--id", "roadmap", "--owner", "alice")
	require.NoError(t, err)
	assert.Equal(t, "roadmap", out)

	_, err = execute(t, "document", "grant", "--id", "roadmap", "--actor", "bob", "--role", "viewer")
	require.NoError(t, err)

	_, err = execute(t, "document", "create", "--id", "roadmap", "--owner", "alice")
	assert.Error(t, err)

	_, err = execute(t, "document", "grant", "--id", "missing", "--actor", "bob")
	assert.Error(t, err)
}

func TestParseRole(t *testing.T) {
	cases := map[string]struct {
		want    rbac.Role
		wantErr bool
	}{
		"viewer":  {want: rbac.RoleViewer},
		" Owner ": {want: rbac.RoleOwner},
		"none":    {want: rbac.RoleNone},
		"admin":   {wantErr: true},
		"":        {wantErr: true},
	}
	for input, tc := range cases {
		got, err := parseRole(input)
		if tc.wantErr {
			assert.Error(t, err, input)
			continue
		}
		require.NoError(t, err, input)
		assert.Equal(t, tc.want, got, input)
	}
}
