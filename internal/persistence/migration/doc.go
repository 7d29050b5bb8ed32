// Package migration applies versioned schema files to a relational store.
//
// Migration files live in an fs.FS (usually an embed.FS per dialect) and
// follow the naming convention {version}_{description}.sql, for example
// "001_directory.sql". Applied versions are tracked in a schema_migrations
// table so each file runs once, inside its own transaction.
//
//	m := migration.NewManager(migration.NewFSScanner(files, "."), migration.NewSQLExecutor(db, bind), logger)
//	if err := m.RunMigrations(ctx); err != nil {
//		return err
//	}
package migration
