package tracker

import (
	"context"
	"fmt"
	"net/url"

	"github.com/gaoqiangz/svn-commit-wt/internal/metrics"

	"go.uber.org/zap"
)

// Entity kinds, used as metric labels and singleflight key prefixes.
const (
	EntityProduct    = "product"
	EntityUser       = "user"
	EntityRepository = "repository"
	EntityBranch     = "branch"
)

// Placeholder owner recorded on created repositories and branches.
const ownerName = "admin"

type productRequest struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

type userRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

type repositoryRequest struct {
	Name      string `json:"name"`
	FullName  string `json:"full_name"`
	IsFork    bool   `json:"is_fork"`
	IsPrivate bool   `json:"is_private"`
	OwnerName string `json:"owner_name"`
	CreatedAt int64  `json:"created_at"`
}

type branchRequest struct {
	Name       string `json:"name"`
	SenderName string `json:"sender_name"`
	CreatedAt  int64  `json:"created_at"`
}

// resolve returns the cached id for key, or queries the tracker and creates
// the entity when the query comes back empty. Concurrent resolutions of the
// same key share one query/create round trip.
func resolve[K comparable](
	ctx context.Context,
	c *Client,
	ids *idMap[K],
	kind string,
	key K,
	flightKey string,
	find func(context.Context) (string, bool, error),
	create func(context.Context) (string, error),
) (string, error) {
	if id, ok := ids.get(key); ok {
		metrics.Resolved(kind, "hit")
		return id, nil
	}

	// The shared work outlives any single caller: a cancelled caller
	// returns early while the others still get the result.
	ch := c.flight.DoChan(kind+"\x00"+flightKey, func() (any, error) {
		if id, ok := ids.get(key); ok {
			return id, nil
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*c.timeout)
		defer cancel()

		id, found, err := find(ctx)
		if err != nil {
			return "", err
		}
		result := "found"
		if !found {
			if id, err = create(ctx); err != nil {
				return "", err
			}
			result = "created"
			c.logger.Info("created tracker entity",
				zap.String("entity", kind),
				zap.String("key", flightKey),
				zap.String("id", id),
			)
		}

		ids.put(key, id)
		metrics.Resolved(kind, result)
		c.logger.Debug("tracker entity resolved",
			zap.String("entity", kind),
			zap.String("result", result),
			zap.Int("cached", ids.len()),
		)
		return id, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	}
}

// ProductID resolves the configured SCM product, creating it if needed.
func (c *Client) ProductID(ctx context.Context) (string, error) {
	return resolve(ctx, c, c.cache.products, EntityProduct, c.productName, c.productName,
		func(ctx context.Context) (string, bool, error) {
			return c.findFirst(ctx, "v1/scm/products", url.Values{"name": {c.productName}})
		},
		func(ctx context.Context) (string, error) {
			return c.create(ctx, "v1/scm/products", productRequest{
				Name:        c.productName,
				Type:        "svn",
				Description: "Subversion",
			})
		},
	)
}

// UserID resolves a committer by name, creating the user if needed.
func (c *Client) UserID(ctx context.Context, name string) (string, error) {
	productID, err := c.ProductID(ctx)
	if err != nil {
		return "", err
	}
	path := fmt.Sprintf("v1/scm/products/%s/users", url.PathEscape(productID))

	return resolve(ctx, c, c.cache.users, EntityUser, name, name,
		func(ctx context.Context) (string, bool, error) {
			return c.findFirst(ctx, path, url.Values{"name": {name}})
		},
		func(ctx context.Context) (string, error) {
			return c.create(ctx, path, userRequest{Name: name, DisplayName: name})
		},
	)
}

// RepositoryID resolves a repository by full name, creating it if needed.
func (c *Client) RepositoryID(ctx context.Context, name string) (string, error) {
	productID, err := c.ProductID(ctx)
	if err != nil {
		return "", err
	}
	path := fmt.Sprintf("v1/scm/products/%s/repositories", url.PathEscape(productID))

	return resolve(ctx, c, c.cache.repositories, EntityRepository, name, name,
		func(ctx context.Context) (string, bool, error) {
			return c.findFirst(ctx, path, url.Values{"full_name": {name}})
		},
		func(ctx context.Context) (string, error) {
			return c.create(ctx, path, repositoryRequest{
				Name:      name,
				FullName:  name,
				IsFork:    false,
				IsPrivate: true,
				OwnerName: ownerName,
				CreatedAt: c.now().Unix(),
			})
		},
	)
}

// BranchID resolves a branch of repository, creating it if needed.
func (c *Client) BranchID(ctx context.Context, repository, branch string) (string, error) {
	productID, err := c.ProductID(ctx)
	if err != nil {
		return "", err
	}
	repositoryID, err := c.RepositoryID(ctx, repository)
	if err != nil {
		return "", err
	}
	path := fmt.Sprintf("v1/scm/products/%s/repositories/%s/branches",
		url.PathEscape(productID), url.PathEscape(repositoryID))

	key := branchKey{Repository: repository, Branch: branch}
	return resolve(ctx, c, c.cache.branches, EntityBranch, key, repository+"\x00"+branch,
		func(ctx context.Context) (string, bool, error) {
			return c.findFirst(ctx, path, url.Values{"name": {branch}})
		},
		func(ctx context.Context) (string, error) {
			return c.create(ctx, path, branchRequest{
				Name:       branch,
				SenderName: ownerName,
				CreatedAt:  c.now().Unix(),
			})
		},
	)
}
