package gitea

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matryer/is"
	"golang.org/x/time/rate"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-token")
}

func TestWhoAmI(t *testing.T) {
	is := is.New(t)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		is.Equal(r.URL.Path, "/api/v1/user")
		is.Equal(r.Header.Get("Authorization"), "token test-token")
		json.NewEncoder(w).Encode(User{ID: 1, UserName: "mirror-bot"}) // nolint: errcheck
	})

	name, err := c.WhoAmI(context.TODO())
	is.NoErr(err)
	is.Equal(name, "mirror-bot")
}

func TestWhoAmIUnauthorized(t *testing.T) {
	is := is.New(t)
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.WhoAmI(context.TODO())
	is.Equal(err, ErrUnauthorized)
}

func TestRepoExists(t *testing.T) {
	is := is.New(t)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/repos/org1/present" {
			json.NewEncoder(w).Encode(Repository{ID: 7, Name: "present"}) // nolint: errcheck
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	ok, err := c.RepoExists(context.TODO(), "org1", "present")
	is.NoErr(err)
	is.True(ok)

	ok, err = c.RepoExists(context.TODO(), "org1", "absent")
	is.NoErr(err)
	is.True(!ok)
}

func TestCreateOrgRepoRouting(t *testing.T) {
	is := is.New(t)
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var opts CreateRepoOptions
		is.NoErr(json.NewDecoder(r.Body).Decode(&opts))
		is.Equal(opts.Name, "repo")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Repository{ID: 9, Name: opts.Name, FullName: "org1/repo"}) // nolint: errcheck
	})

	repo, err := c.CreateOrgRepo(context.TODO(), "org1", CreateRepoOptions{Name: "repo"})
	is.NoErr(err)
	is.Equal(gotPath, "/api/v1/orgs/org1/repos")
	is.Equal(repo.FullName, "org1/repo")
}

func TestCreateOrgRepoForbidden(t *testing.T) {
	is := is.New(t)
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := c.CreateOrgRepo(context.TODO(), "org1", CreateRepoOptions{Name: "repo"})
	is.Equal(err, ErrForbidden)
}

func TestCreateUserRepoConflict(t *testing.T) {
	is := is.New(t)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		is.Equal(r.URL.Path, "/api/v1/user/repos")
		w.WriteHeader(http.StatusConflict)
	})

	_, err := c.CreateUserRepo(context.TODO(), CreateRepoOptions{Name: "repo"})
	is.Equal(err, ErrConflict)
}

func TestRateLimitSaturation(t *testing.T) {
	is := is.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(User{UserName: "u"}) // nolint: errcheck
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "t", WithRateLimit(rate.Limit(0.0001), 1))

	_, err := c.WhoAmI(context.TODO())
	is.NoErr(err)

	_, err = c.WhoAmI(context.TODO())
	is.True(errors.Is(err, ErrRateLimited))
}

func TestTransportError(t *testing.T) {
	is := is.New(t)
	c := NewClient("http://127.0.0.1:0", "t")
	_, err := c.WhoAmI(context.TODO())
	is.True(errors.Is(err, ErrTransport))
}
