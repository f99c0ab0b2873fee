package eod

// JobCount is the fixed length of the EOD pipeline. Reordering or adding
// jobs is a deployment-time schema change, not a runtime operation.
const JobCount = 9

// Executor bindings. Concrete executors are injected by the caller keyed on
// these names.
const (
	BindingPostTransactions  = "post_transactions"
	BindingRecomputeBalances = "recompute_balances"
	BindingAccrueInterest    = "accrue_interest"
	BindingApplyCharges      = "apply_charges"
	BindingRollGL            = "roll_gl"
	BindingValidateGL        = "validate_gl"
	BindingBuildStatements   = "build_statements"
	BindingGenerateReports   = "generate_reports"
	BindingAdvanceDate       = "advance_date"
)

var registry = [JobCount]Job{
	{Number: 1, Name: "Post Dated Transactions", Source: "transactions", Target: "gl_movements", Binding: BindingPostTransactions},
	{Number: 2, Name: "Recompute Account Balances", Source: "gl_movements", Target: "accounts", Binding: BindingRecomputeBalances},
	{Number: 3, Name: "Accrue Interest", Source: "accounts", Target: "interest_accruals", Binding: BindingAccrueInterest},
	{Number: 4, Name: "Apply Charges & Fees", Source: "fee_schedule", Target: "gl_movements", Binding: BindingApplyCharges},
	{Number: 5, Name: "Roll General Ledger", Source: "gl_movements", Target: "gl_balances", Binding: BindingRollGL},
	{Number: 6, Name: "Validate GL Integrity", Source: "gl_balances", Target: "gl_exceptions", Binding: BindingValidateGL},
	{Number: 7, Name: "Build Daily Statements", Source: "accounts", Target: "statement_lines", Binding: BindingBuildStatements},
	{Number: 8, Name: "Generate EOD Reports", Source: "gl_balances", Target: "eod_reports", Binding: BindingGenerateReports, Hook: HookRenderReports},
	{Number: 9, Name: "Advance Business Date", Source: "system_date", Target: "system_date", Binding: BindingAdvanceDate, Hook: HookAdvanceDate},
}

// Jobs returns the registry entries in strict numeric order.
func Jobs() []Job {
	out := make([]Job, JobCount)
	copy(out, registry[:])
	return out
}

// JobByNumber resolves a registry entry.
func JobByNumber(number int) (Job, error) {
	if number < 1 || number > JobCount {
		return Job{}, ErrUnknownJob
	}
	return registry[number-1], nil
}
