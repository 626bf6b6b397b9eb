package models

// Account links a Discord account snowflake to the character pool it plays
// from. Accounts are created lazily on first contact with pool_id equal to
// the account id; merges repoint pool_id at another account's pool.
type Account struct {
	ID     int64 `json:"account_id"`
	PoolID int64 `json:"pool_id"`
}
