package store

import "database/sql"

func stringNull() sql.NullString { return sql.NullString{} }
func timeNull() sql.NullTime     { return sql.NullTime{} }
