package cms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelopeJSON(t *testing.T, w http.ResponseWriter, data any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"data": data}))
}

func TestFindRoleByName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/items/roles", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "editor", r.URL.Query().Get("filter[name][_eq]"))
		envelopeJSON(t, w, []Role{{ID: "role-1", Name: "editor"}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok", 0)
	role, err := client.FindRoleByName(context.Background(), "editor")
	require.NoError(t, err)
	assert.Equal(t, "role-1", role.ID)
}

func TestFindRoleByNameEmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		envelopeJSON(t, w, []Role{})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok", 0)
	_, err := client.FindRoleByName(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindUserByIDNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok", 0)
	_, err := client.FindUserByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/items/users", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var in User
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "casey@example.com", in.Email)
		assert.Equal(t, "active", in.Status)

		in.ID = "cms-1"
		envelopeJSON(t, w, in)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok", 0)
	created, err := client.CreateUser(context.Background(), &User{
		Email:  "casey@example.com",
		RoleID: "role-1",
		Status: "active",
	})
	require.NoError(t, err)
	assert.Equal(t, "cms-1", created.ID)
}

func TestUpdateUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/items/users/cms-1", r.URL.Path)
		envelopeJSON(t, w, User{ID: "cms-1", Email: "casey@example.com"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok", 0)
	updated, err := client.UpdateUser(context.Background(), "cms-1", &User{Email: "casey@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "cms-1", updated.ID)
}

func TestDeleteUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/items/users/cms-1", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok", 0)
	assert.NoError(t, client.DeleteUser(context.Background(), "cms-1"))
}

func TestFindContainerByOwner(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/items/containers", r.URL.Path)
		assert.Equal(t, "cms-1", r.URL.Query().Get("filter[owner][_eq]"))
		envelopeJSON(t, w, []Container{{ID: "cnt-1", Name: "Casey's space", OwnerID: "cms-1"}})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok", 0)
	container, err := client.FindContainerByOwner(context.Background(), "cms-1")
	require.NoError(t, err)
	assert.Equal(t, "cnt-1", container.ID)
}

func TestUnexpectedStatusIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok", 0)
	_, err := client.FindUserByID(context.Background(), "cms-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
