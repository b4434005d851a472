package types

// Program addresses known to the custody node.
var (
	// SystemProgramAddr is the System Program address.
	SystemProgramAddr = MustPubkeyFromBase58("11111111111111111111111111111111")

	// TokenProgramAddr is the token program that owns mints and token accounts.
	TokenProgramAddr = MustPubkeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

	// AssociatedTokenProgramAddr namespaces associated token account derivation.
	AssociatedTokenProgramAddr = MustPubkeyFromBase58("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")

	// CustodyProgramAddr is the default custody program address.
	CustodyProgramAddr = MustPubkeyFromBase58("HCWnGf6fEuaaSrYFTJoydHoJ4JtDesqtR3tWV5hSsCc7")
)
