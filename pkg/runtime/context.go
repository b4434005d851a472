package runtime

import (
	"fmt"

	"github.com/fortiblox/X1-Custody/internal/types"
	"github.com/fortiblox/X1-Custody/pkg/accounts"
	"github.com/fortiblox/X1-Custody/pkg/pda"
)

// InvokeContext is what a program sees while processing one instruction.
// Every account operation is limited to the accounts the instruction
// declared.
type InvokeContext interface {
	// ProgramID returns the executing program.
	ProgramID() types.Pubkey

	// Account returns a copy of a declared account, or
	// accounts.ErrAccountNotFound if it does not exist yet.
	Account(pubkey types.Pubkey) (*accounts.Account, error)

	// CreateAccount allocates a new account owned by the executing program.
	// The address must have signed the instruction, or one of seeds must
	// derive it under the executing program or a base granted with
	// Executor.AllowDerivation. Fails with ErrAccountAlreadyInUse if the
	// account exists.
	CreateAccount(pubkey types.Pubkey, data []byte, seeds ...[][]byte) error

	// WriteAccount replaces the data of an account owned by the executing
	// program.
	WriteAccount(pubkey types.Pubkey, data []byte) error

	// IsSigner reports whether the account signed this instruction, either
	// directly or through derived signer seeds.
	IsSigner(pubkey types.Pubkey) bool

	// Log appends a message to the transaction logs.
	Log(msg string)

	// Invoke calls another program. Each signer seed set is turned into a
	// program-derived address of the calling program, which is then treated
	// as a signer by the callee.
	Invoke(ix Instruction, signerSeeds ...[][]byte) error
}

// invokeContext implements InvokeContext for one instruction frame.
type invokeContext struct {
	exec      *Executor
	state     *txState
	programID types.Pubkey
	metas     map[types.Pubkey]AccountMeta
	depth     int
}

func (e *Executor) newInvokeContext(state *txState, ix Instruction, depth int) *invokeContext {
	metas := make(map[types.Pubkey]AccountMeta, len(ix.Accounts))
	for _, m := range ix.Accounts {
		prev := metas[m.Pubkey]
		metas[m.Pubkey] = AccountMeta{
			Pubkey:     m.Pubkey,
			IsSigner:   prev.IsSigner || m.IsSigner,
			IsWritable: prev.IsWritable || m.IsWritable,
		}
	}
	return &invokeContext{
		exec:      e,
		state:     state,
		programID: ix.ProgramID,
		metas:     metas,
		depth:     depth,
	}
}

func (c *invokeContext) ProgramID() types.Pubkey {
	return c.programID
}

func (c *invokeContext) declared(pubkey types.Pubkey) (AccountMeta, *slot, error) {
	m, ok := c.metas[pubkey]
	if !ok {
		return AccountMeta{}, nil, fmt.Errorf("%w: %s", ErrAccountNotDeclared, pubkey)
	}
	return m, c.state.accounts[pubkey], nil
}

func (c *invokeContext) Account(pubkey types.Pubkey) (*accounts.Account, error) {
	_, sl, err := c.declared(pubkey)
	if err != nil {
		return nil, err
	}
	if sl.account == nil {
		return nil, accounts.ErrAccountNotFound
	}
	return sl.account.Clone(), nil
}

func (c *invokeContext) CreateAccount(pubkey types.Pubkey, data []byte, seeds ...[][]byte) error {
	m, sl, err := c.declared(pubkey)
	if err != nil {
		return err
	}
	if !m.IsWritable {
		return fmt.Errorf("%w: %s", ErrAccountNotWritable, pubkey)
	}
	if !m.IsSigner && !c.derives(pubkey, seeds) {
		return fmt.Errorf("%w: %s", ErrAddressNotAuthorized, pubkey)
	}
	if sl.account != nil {
		return fmt.Errorf("%w: %s", ErrAccountAlreadyInUse, pubkey)
	}
	if len(data) > accounts.MaxAccountDataSize {
		return ErrAccountDataTooLarge
	}
	sl.account = &accounts.Account{
		Data:  append([]byte(nil), data...),
		Owner: c.programID,
	}
	sl.modified = true
	return nil
}

// derives reports whether one of seeds yields pubkey under the executing
// program or one of its granted bases.
func (c *invokeContext) derives(pubkey types.Pubkey, seeds [][][]byte) bool {
	bases := append([]types.Pubkey{c.programID}, c.exec.derivers[c.programID]...)
	for _, s := range seeds {
		for _, base := range bases {
			if addr, err := pda.CreateProgramAddress(s, base); err == nil && addr == pubkey {
				return true
			}
		}
	}
	return false
}

func (c *invokeContext) WriteAccount(pubkey types.Pubkey, data []byte) error {
	m, sl, err := c.declared(pubkey)
	if err != nil {
		return err
	}
	if !m.IsWritable {
		return fmt.Errorf("%w: %s", ErrAccountNotWritable, pubkey)
	}
	if sl.account == nil {
		return fmt.Errorf("write %s: %w", pubkey, accounts.ErrAccountNotFound)
	}
	if sl.account.Owner != c.programID {
		return fmt.Errorf("%w: %s", ErrExternalAccountDataModified, pubkey)
	}
	if len(data) > accounts.MaxAccountDataSize {
		return ErrAccountDataTooLarge
	}
	sl.account.Data = append(sl.account.Data[:0:0], data...)
	sl.modified = true
	return nil
}

func (c *invokeContext) IsSigner(pubkey types.Pubkey) bool {
	return c.metas[pubkey].IsSigner
}

func (c *invokeContext) Log(msg string) {
	c.state.logs = append(c.state.logs, "Program log: "+msg)
}

func (c *invokeContext) Invoke(ix Instruction, signerSeeds ...[][]byte) error {
	err := c.invoke(ix, signerSeeds)
	if err != nil && c.state.failed == nil {
		c.state.failed = err
	}
	return err
}

func (c *invokeContext) invoke(ix Instruction, signerSeeds [][][]byte) error {
	if c.depth+1 >= c.exec.config.MaxInvokeDepth {
		return ErrCallDepth
	}

	program, ok := c.exec.programs[ix.ProgramID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProgramNotFound, ix.ProgramID)
	}

	pdaSigners := make(map[types.Pubkey]bool, len(signerSeeds))
	for _, seeds := range signerSeeds {
		addr, err := pda.CreateProgramAddress(seeds, c.programID)
		if err != nil {
			return fmt.Errorf("signer seeds: %w", err)
		}
		pdaSigners[addr] = true
	}

	// The callee may not gain privileges the caller does not hold.
	for _, m := range ix.Accounts {
		parent, ok := c.metas[m.Pubkey]
		if !ok {
			return fmt.Errorf("%w: %s", ErrAccountNotDeclared, m.Pubkey)
		}
		if m.IsWritable && !parent.IsWritable {
			return fmt.Errorf("%w: %s is not writable", ErrPrivilegeEscalation, m.Pubkey)
		}
		if m.IsSigner && !parent.IsSigner && !pdaSigners[m.Pubkey] {
			return fmt.Errorf("%w: %s did not sign", ErrPrivilegeEscalation, m.Pubkey)
		}
	}

	c.state.logs = append(c.state.logs, fmt.Sprintf("Program %s invoke [%d]", ix.ProgramID, c.depth+2))
	child := c.exec.newInvokeContext(c.state, ix, c.depth+1)
	if err := program.Process(child, ix.Accounts, ix.Data); err != nil {
		c.state.logs = append(c.state.logs, fmt.Sprintf("Program %s failed: %v", ix.ProgramID, err))
		return err
	}
	c.state.logs = append(c.state.logs, fmt.Sprintf("Program %s success", ix.ProgramID))
	return nil
}
