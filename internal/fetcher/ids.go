// File: internal/fetcher/ids.go
package fetcher

// accountIDOffset is the base of the 64-bit individual account ID space.
const accountIDOffset uint64 = 76561197960265728

// ToCommunityID widens a 32-bit account ID. 64-bit inputs pass through.
func ToCommunityID(id uint64) uint64 {
	if id < accountIDOffset {
		return id + accountIDOffset
	}
	return id
}

// ToAccountID narrows a 64-bit community ID. 32-bit inputs pass through.
func ToAccountID(id uint64) uint64 {
	if id >= accountIDOffset {
		return id - accountIDOffset
	}
	return id
}
