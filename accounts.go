package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

const maxEnvCookies = 10

// AccountSources says where accounts come from. Getenv defaults to os.Getenv.
type AccountSources struct {
	UsersFile  string
	CookieFile string
	Getenv     func(string) string
}

func DefaultAccountSources() AccountSources {
	return AccountSources{UsersFile: "users.json", CookieFile: "cookie.json", Getenv: os.Getenv}
}

// LoadAccounts merges credential accounts (USERS_JSON, else the users file)
// with session-only accounts (COOKIE1..COOKIE10, else the cookie file).
// COOKIE<n> attaches to the n-th credential account when that account has no
// session of its own, which is how the login command's export is picked up.
func LoadAccounts(src AccountSources) ([]Account, error) {
	if src.Getenv == nil {
		src.Getenv = os.Getenv
	}

	users, err := loadUsers(src)
	if err != nil {
		return nil, err
	}
	cookies, err := loadCookies(src)
	if err != nil {
		return nil, err
	}

	accounts := make([]Account, 0, len(users)+len(cookies))
	for i, u := range users {
		if u.ID == "" {
			u.ID = u.Username
		}
		if u.ID == "" {
			u.ID = "user" + strconv.Itoa(i+1)
		}
		accounts = append(accounts, u)
	}

	for _, c := range cookies {
		if c.index >= 1 && c.index <= len(users) && accounts[c.index-1].Session == "" {
			accounts[c.index-1].Session = c.value
			continue
		}
		accounts = append(accounts, Account{ID: c.key, Session: c.value})
	}

	accounts = uniqueAccountIDs(accounts)
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}
	return accounts, nil
}

func loadUsers(src AccountSources) ([]Account, error) {
	if raw := strings.TrimSpace(src.Getenv("USERS_JSON")); raw != "" {
		users, err := parseUsers([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("parse USERS_JSON: %w", err)
		}
		return users, nil
	}
	if src.UsersFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(src.UsersFile)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	users, err := parseUsers(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", src.UsersFile, err)
	}
	return users, nil
}

// parseUsers accepts a bare array or {"users": [...]}.
func parseUsers(data []byte) ([]Account, error) {
	var list []Account
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Users []Account `json:"users"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Users, nil
}

type cookieEntry struct {
	key   string
	index int
	value string
}

func loadCookies(src AccountSources) ([]cookieEntry, error) {
	var entries []cookieEntry
	for i := 1; i <= maxEnvCookies; i++ {
		if v := strings.TrimSpace(src.Getenv("COOKIE" + strconv.Itoa(i))); v != "" {
			entries = append(entries, cookieEntry{key: "cookie" + strconv.Itoa(i), index: i, value: v})
		}
	}
	if len(entries) > 0 || src.CookieFile == "" {
		return entries, nil
	}

	data, err := os.ReadFile(src.CookieFile)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", src.CookieFile, err)
	}

	for key, value := range raw {
		value = strings.TrimSpace(value)
		if !strings.HasPrefix(key, "cookie") || value == "" {
			continue
		}
		n, _ := strconv.Atoi(strings.TrimPrefix(key, "cookie"))
		entries = append(entries, cookieEntry{key: key, index: n, value: value})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].index != entries[j].index {
			return entries[i].index < entries[j].index
		}
		return entries[i].key < entries[j].key
	})
	return entries, nil
}

// uniqueAccountIDs suffixes repeated ids so each account owns its cache key.
func uniqueAccountIDs(accounts []Account) []Account {
	seen := make(map[string]int, len(accounts))
	for i := range accounts {
		id := accounts[i].ID
		seen[id]++
		if n := seen[id]; n > 1 {
			accounts[i].ID = fmt.Sprintf("%s#%d", id, n)
		}
	}
	return accounts
}
