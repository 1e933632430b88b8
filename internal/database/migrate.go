// Package database はデータベース接続とマイグレーション管理を提供する。
package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Direction はマイグレーションの適用方向。
type Direction string

const (
	// Up は未適用のマイグレーションをすべて適用する。
	Up Direction = "up"
	// Down は直近のマイグレーションを1つ取り消す。
	Down Direction = "down"
)

// ParseDirection は引数からマイグレーション方向を解析する。空の場合はUp。
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case "", Up:
		return Up, nil
	case Down:
		return Down, nil
	default:
		return "", fmt.Errorf("unknown migration direction %q (want up or down)", s)
	}
}

// NewMigrator はマイグレーション実行用のmigrateインスタンスを生成する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// RunMigrations はすべてのマイグレーションを適用する。
// すでに最新の場合はエラーなしで返る。
func RunMigrations(databaseURL string) error {
	_, err := Migrate(databaseURL, Up)
	return err
}

// Migrate は指定方向にマイグレーションを実行し、実行後のスキーマバージョンを返す。
// 未適用のものがない場合もエラーにはならない。バージョン0はスキーマが空であることを示す。
func Migrate(databaseURL string, dir Direction) (uint, error) {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return 0, err
	}
	defer m.Close()

	switch dir {
	case Down:
		err = m.Steps(-1)
	default:
		err = m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("failed to run migrations (%s): %w", dir, err)
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, nil
}
