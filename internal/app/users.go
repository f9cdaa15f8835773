package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/eigerco/cartridge/internal/channel"
	"github.com/eigerco/cartridge/internal/keys"
	"github.com/eigerco/cartridge/internal/sel"
	"github.com/eigerco/cartridge/internal/store"
	"github.com/eigerco/cartridge/internal/watch"
	"github.com/eigerco/cartridge/pkg/log"
)

var (
	usersPrefix   = keys.New("users")
	byEmailPrefix = keys.New("userByEmail")

	emailPattern    = regexp.MustCompile(`^[^@]+@[a-zA-Z0-9-]+(\.[a-zA-Z0-9-]+)+$`)
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	errEmailTaken = errors.New("email already registered")
)

// User is the stored user record.
type User struct {
	Email        string `json:"email"`
	Username     string `json:"username"`
	PasswordHash []byte `json:"password_hash"`
}

// UserView is what clients see of a user.
type UserView struct {
	Email    string `json:"email"`
	Username string `json:"username"`
}

func (u User) View() UserView {
	return UserView{Email: u.Email, Username: u.Username}
}

type newUserRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (req newUserRequest) validate() string {
	switch {
	case !emailPattern.MatchString(req.Email):
		return "invalid_email"
	case !usernamePattern.MatchString(req.Username):
		return "invalid_username"
	case len(req.Password) < 3:
		return "invalid_password"
	}
	return ""
}

func getUser(r store.Reader, id string) (User, error) {
	var u User
	raw, err := r.Get(usersPrefix.Append(id))
	if err != nil {
		return u, err
	}
	if err := json.Unmarshal(raw, &u); err != nil {
		return u, fmt.Errorf("decode user %s: %w", id, err)
	}
	return u, nil
}

func putUser(tx *store.WriteTx, id string, u User) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	if err := tx.Put(usersPrefix.Append(id), raw); err != nil {
		return err
	}
	return tx.Put(byEmailPrefix.Append(u.Email), []byte(id))
}

func (s *Server) newUser(w http.ResponseWriter, r *http.Request) (string, User, bool) {
	var req newUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		inputError(w, "invalid_body")
		return "", User{}, false
	}
	if code := req.validate(); code != "" {
		inputError(w, code)
		return "", User{}, false
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.passwordCost)
	if err != nil {
		storeError(w, r, fmt.Errorf("hash password: %w", err))
		return "", User{}, false
	}
	id, err := s.rt.IDs().Random()
	if err != nil {
		storeError(w, r, fmt.Errorf("generate user id: %w", err))
		return "", User{}, false
	}
	return id, User{Email: req.Email, Username: req.Username, PasswordHash: hash}, true
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	id, u, ok := s.newUser(w, r)
	if !ok {
		return
	}
	err := s.rt.Write(func(tx *store.WriteTx) error {
		if err := putUser(tx, id, u); err != nil {
			return err
		}
		return s.scheduleSignup(tx, u)
	})
	if err != nil {
		storeError(w, r, err)
		return
	}

	log.App.Info().Str("user_id", id).Msg("user created")
	jsonResponse(w, http.StatusOK, map[string]string{"user_id": id})
}

// createUserForm is createUser for the HTML form: duplicate emails are
// refused and the outcome is rendered.
func (s *Server) createUserForm(w http.ResponseWriter, r *http.Request) {
	id, u, ok := s.newUser(w, r)
	if !ok {
		return
	}
	err := s.rt.Write(func(tx *store.WriteTx) error {
		taken, err := tx.Exists(byEmailPrefix.Append(u.Email))
		if err != nil {
			return err
		}
		if taken {
			return errEmailTaken
		}
		if err := putUser(tx, id, u); err != nil {
			return err
		}
		return s.scheduleSignup(tx, u)
	})

	var message string
	switch {
	case errors.Is(err, errEmailTaken):
		message = fmt.Sprintf("user with email %s already exist", u.Email)
	case err != nil:
		storeError(w, r, err)
		return
	default:
		message = "new user id: " + id
	}

	out, err := s.rt.Renderer().Render("create-user-result", map[string]string{"message": message})
	if err != nil {
		storeError(w, r, err)
		return
	}
	w.Header().Set("content-type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(out))
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	ids, err := store.ReadValue(s.rt.Store(), func(tx *store.ReadTx) ([]string, error) {
		return children(tx, usersPrefix)
	})
	if err != nil {
		storeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, ids)
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	u, err := store.ReadValue(s.rt.Store(), func(tx *store.ReadTx) (User, error) {
		return getUser(tx, id)
	})
	if err != nil {
		storeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, u.View())
}

func (s *Server) updateUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		inputError(w, "invalid_body")
		return
	}
	if !emailPattern.MatchString(req.Email) {
		inputError(w, "invalid_email")
		return
	}

	err := s.rt.Write(func(tx *store.WriteTx) error {
		u, err := getUser(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Delete(byEmailPrefix.Append(u.Email)); err != nil {
			return err
		}
		u.Email = req.Email
		return putUser(tx, id, u)
	})
	if err != nil {
		storeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusNoContent, nil)
}

// watchUser streams the user as JSON on connect and after every change.
func (s *Server) watchUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	session, err := s.rt.Upgrade(w, r)
	if err != nil {
		log.App.Warn().Err(err).Msg("upgrade failed")
		return
	}
	defer session.Close() //nolint:errcheck

	onChange := func(ctx context.Context, _ watch.Event) (sel.Result, error) {
		u, err := store.ReadValue(s.rt.Store(), func(tx *store.ReadTx) (User, error) {
			return getUser(tx, id)
		})
		if errors.Is(err, store.ErrNotFound) {
			return sel.Continue, nil
		}
		if err != nil {
			return sel.Stop, err
		}
		return sel.Continue, session.SendJSON(ctx, u.View())
	}

	err = s.rt.Select(r.Context(),
		s.rt.Messages(session, logMessage),
		s.rt.Watch(usersPrefix.Append(id), onChange),
	)
	endSelect(err)
}

// watchUsers renders the list of user emails on connect and after every
// change to any user.
func (s *Server) watchUsers(w http.ResponseWriter, r *http.Request) {
	session, err := s.rt.Upgrade(w, r)
	if err != nil {
		log.App.Warn().Err(err).Msg("upgrade failed")
		return
	}
	defer session.Close() //nolint:errcheck

	onChange := func(ctx context.Context, _ watch.Event) (sel.Result, error) {
		emails, err := store.ReadValue(s.rt.Store(), func(tx *store.ReadTx) ([]string, error) {
			it, err := tx.Iterator(usersPrefix)
			if err != nil {
				return nil, err
			}
			emails := []string{}
			for ; !it.Done(); it.Next() {
				var u User
				if err := json.Unmarshal(it.Value(), &u); err != nil {
					return nil, err
				}
				emails = append(emails, u.Email)
			}
			return emails, it.Err()
		})
		if err != nil {
			return sel.Stop, err
		}
		return sel.Continue, session.SendRendered(ctx, "list-of-users", map[string]any{"users": emails})
	}

	err = s.rt.Select(r.Context(),
		s.rt.Messages(session, logMessage),
		s.rt.Watch(usersPrefix, onChange),
	)
	endSelect(err)
}

func logMessage(_ context.Context, msg []byte) (sel.Result, error) {
	log.App.Debug().Str("message", string(msg)).Msg("ignored inbound message")
	return sel.Continue, nil
}

func endSelect(err error) {
	if err != nil && !errors.Is(err, channel.ErrClosed) && !errors.Is(err, context.Canceled) {
		log.App.Warn().Err(err).Msg("realtime handler ended")
	}
}

// children lists the distinct segments directly below prefix.
func children(r store.Reader, prefix keys.Key) ([]string, error) {
	it, err := r.Iterator(prefix)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for ; !it.Done(); it.Next() {
		key := it.Key()
		if len(key) <= len(prefix) {
			continue
		}
		child := key[len(prefix)]
		if len(out) == 0 || out[len(out)-1] != child {
			out = append(out, child)
		}
	}
	return out, it.Err()
}
