// Package domain holds the notification sum type, accounts, sessions and persisted records.
package domain
