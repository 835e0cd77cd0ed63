package option

import "gorm.io/gorm"

// QueryOption narrows or shapes a repository query.
type QueryOption func(*gorm.DB) *gorm.DB

func Apply(tx *gorm.DB, opts ...QueryOption) *gorm.DB {
	for _, opt := range opts {
		tx = opt(tx)
	}
	return tx
}

func WithLimit(limit int) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Limit(limit)
	}
}

func WithOffset(offset int) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Offset(offset)
	}
}

func WithOrderBy(order string) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Order(order)
	}
}

func WithPreload(assoc string) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Preload(assoc)
	}
}

func WithWhere(query interface{}, args ...interface{}) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Where(query, args...)
	}
}
