package client

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"telechat/internal/backend"
	"telechat/internal/content"
	"telechat/internal/live"
	"telechat/internal/models"
)

const searchLimit = 10

// ProfileUpdate lists the fields to change. Nil fields are left as they are.
type ProfileUpdate struct {
	Username  *string
	AvatarURL *string
	Status    *string
}

func (u ProfileUpdate) patch() (backend.Row, error) {
	patch := backend.Row{}
	if u.Username != nil {
		if err := content.ValidateUsername(*u.Username); err != nil {
			return nil, fmt.Errorf("%w: %w", backend.ErrInvalidQuery, err)
		}
		patch["username"] = *u.Username
	}
	if u.AvatarURL != nil {
		patch["avatar_url"] = *u.AvatarURL
	}
	if u.Status != nil {
		patch["status"] = *u.Status
	}
	return patch, nil
}

// Profile keeps one user's profile row live and edits the session user's
// own profile.
type Profile struct {
	client backend.Client
	opts   options

	userID  string
	profile *live.Collection[models.Profile]
	mu      sync.Mutex
}

func NewProfile(client backend.Client, opts ...Option) *Profile {
	return &Profile{client: client, opts: newOptions(opts)}
}

// Open follows the profile of userID, or of the session user when userID is
// empty.
func (p *Profile) Open(ctx context.Context, userID string) error {
	p.Close()
	if userID == "" {
		uid, err := sessionUser(p.client)
		if err != nil {
			return err
		}
		userID = uid
	}

	profile := live.New(p.client, live.Config[models.Profile]{
		Channel: "profile:" + userID,
		Changes: backend.ChangeSpec{
			Event:  backend.EventAll,
			Schema: backend.DefaultSchema,
			Table:  models.TableProfiles,
			Filter: backend.EqFilter("id", userID),
		},
		Fetch: func(ctx context.Context) ([]models.Profile, error) {
			var pr models.Profile
			err := p.client.SelectOne(ctx, backend.From(models.TableProfiles).Eq("id", userID), &pr)
			if errors.Is(err, backend.ErrNotFound) {
				return nil, nil
			}
			if err != nil {
				return nil, fmt.Errorf("failed to fetch profile: %w", err)
			}
			return []models.Profile{pr}, nil
		},
		Merge:    live.ReplaceLatest[models.Profile],
		Key:      func(pr models.Profile) string { return pr.ID },
		OnChange: p.opts.notify,
		Logger:   p.opts.log,
	})

	p.mu.Lock()
	p.userID = userID
	p.profile = profile
	p.mu.Unlock()
	return profile.Start(ctx)
}

func (p *Profile) Close() {
	p.mu.Lock()
	profile := p.profile
	p.profile = nil
	p.userID = ""
	p.mu.Unlock()
	if profile != nil {
		profile.Stop()
	}
}

func (p *Profile) collection() *live.Collection[models.Profile] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profile
}

// Profile returns the followed profile, if it is loaded.
func (p *Profile) Profile() (models.Profile, bool) {
	c := p.collection()
	if c == nil {
		return models.Profile{}, false
	}
	items := c.Items()
	if len(items) == 0 {
		return models.Profile{}, false
	}
	return items[0], true
}

func (p *Profile) Loading() bool {
	c := p.collection()
	return c != nil && c.Loading()
}

func (p *Profile) Err() error {
	if c := p.collection(); c != nil {
		return c.Err()
	}
	return nil
}

// Update writes the session user's profile and installs the returned row
// without waiting for its change event.
func (p *Profile) Update(ctx context.Context, u ProfileUpdate) (models.Profile, error) {
	uid, err := sessionUser(p.client)
	if err != nil {
		return models.Profile{}, err
	}
	patch, err := u.patch()
	if err != nil {
		return models.Profile{}, err
	}

	var updated models.Profile
	if err := p.client.Update(ctx, backend.From(models.TableProfiles).Eq("id", uid), patch, &updated); err != nil {
		return models.Profile{}, fmt.Errorf("failed to update profile: %w", err)
	}

	p.mu.Lock()
	c, followed := p.profile, p.userID
	p.mu.Unlock()
	if c != nil && followed == uid {
		c.Upsert(updated)
	}
	return updated, nil
}

// UploadAvatar stores the image as avatars/<uid>.<ext>, replacing any previous
// one, and points the profile at it. It returns the public URL.
func (p *Profile) UploadAvatar(ctx context.Context, f File) (string, error) {
	uid, err := sessionUser(p.client)
	if err != nil {
		return "", err
	}
	if err := ValidateFile(&f); err != nil {
		return "", err
	}
	if !strings.HasPrefix(f.Type, "image/") {
		return "", fmt.Errorf("%w: avatar must be an image", ErrFileTypeNotAllowed)
	}

	ext := strings.TrimPrefix(path.Ext(f.Name), ".")
	if ext == "" {
		ext = strings.TrimPrefix(f.Type, "image/")
	}
	objectPath := "avatars/" + uid + "." + ext

	bucket := p.client.Storage(models.BucketAvatars)
	err = bucket.Upload(ctx, objectPath, f.Reader, backend.UploadOptions{
		Size:        f.Size,
		ContentType: f.Type,
		Upsert:      true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload avatar: %w", err)
	}

	url := bucket.PublicURL(objectPath)
	if _, err := p.Update(ctx, ProfileUpdate{AvatarURL: &url}); err != nil {
		return "", err
	}
	return url, nil
}

// Search finds other users whose username contains query.
func (p *Profile) Search(ctx context.Context, query string) ([]models.Profile, error) {
	uid, err := sessionUser(p.client)
	if err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	var out []models.Profile
	q := backend.From(models.TableProfiles).
		Neq("id", uid).
		ILike("username", "%"+query+"%").
		Limit(searchLimit)
	if err := p.client.Select(ctx, q, &out); err != nil {
		return nil, fmt.Errorf("failed to search profiles: %w", err)
	}
	return out, nil
}

// UsernameAvailable reports whether no profile uses name.
func (p *Profile) UsernameAvailable(ctx context.Context, name string) (bool, error) {
	if err := content.ValidateUsername(name); err != nil {
		return false, fmt.Errorf("%w: %w", backend.ErrInvalidQuery, err)
	}
	var pr models.Profile
	err := p.client.SelectOne(ctx, backend.From(models.TableProfiles).Eq("username", name), &pr)
	switch {
	case errors.Is(err, backend.ErrNotFound):
		return true, nil
	case err != nil:
		return false, fmt.Errorf("failed to check username: %w", err)
	}
	return false, nil
}
