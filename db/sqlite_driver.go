package db

import (
	"database/sql"
	"regexp"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mattn/go-sqlite3"
)

// SQLiteDriverName is the driver every Store connection goes through
const SQLiteDriverName = "sqlite3_livequery"

// Compiled REGEXP patterns; observed queries re-run the same pattern on every commit
var regexpCache *lru.Cache[string, *regexp.Regexp]

func init() {
	var err error
	regexpCache, err = lru.New[string, *regexp.Regexp](256)
	if err != nil {
		panic("failed to create regexp cache: " + err.Error())
	}

	sql.Register(SQLiteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			// Usage: column REGEXP 'pattern'
			return conn.RegisterFunc("regexp", regexpMatch, true)
		},
	})
}

// regexpMatch backs the REGEXP operator. SQLite calls regexp(pattern, text).
func regexpMatch(pattern, text string) (bool, error) {
	re, ok := regexpCache.Get(pattern)
	if !ok {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return false, err
		}
		regexpCache.Add(pattern, re)
	}
	return re.MatchString(text), nil
}
