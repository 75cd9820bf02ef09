package dbctx

import (
	"context"

	"gorm.io/gorm"

	"github.com/yungbote/memory-import/internal/pkg/ctxutil"
)

// Context bundles a request context with an optional GORM transaction.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

// From wraps ctx with no transaction.
func From(ctx context.Context) Context {
	return Context{Ctx: ctxutil.Default(ctx)}
}

// DB returns the transaction when one is set, otherwise fallback, bound to the context.
func (c Context) DB(fallback *gorm.DB) *gorm.DB {
	tx := c.Tx
	if tx == nil {
		tx = fallback
	}
	return tx.WithContext(ctxutil.Default(c.Ctx))
}
