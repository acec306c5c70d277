package ledger

import "fmt"

// ValidateOptions controls container validation.
type ValidateOptions struct {
	// StrictSpec requires genesis metadata.spec to equal ProtocolSpec
	// exactly. Disable when inspecting containers written by newer protocol
	// revisions.
	StrictSpec bool
}

// Result carries the full list of validation findings. Structural walking
// errors (cycles, missing commits) surface here as findings so an operator
// sees everything wrong with a container at once.
type Result struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors,omitempty"`
}

func checkEntry(entry Entry) error {
	var problems []string
	if entry.Kind == "" {
		problems = append(problems, "entry kind must be a non-empty string")
	}
	if entry.Timestamp == "" {
		problems = append(problems, "entry timestamp must be a non-empty string")
	}
	if entry.Author == "" {
		problems = append(problems, "entry author must be a non-empty string")
	}
	if len(problems) > 0 {
		return newError(CodeInvalidEntry, "%s", join(problems))
	}
	if _, err := entry.SigningPayload(); err != nil {
		return err
	}
	return nil
}

func checkCommit(commit Commit) error {
	var problems []string
	if commit.Parent != nil && *commit.Parent == "" {
		problems = append(problems, "commit parent must be a non-empty string or null")
	}
	if commit.Timestamp == "" {
		problems = append(problems, "commit timestamp must be a non-empty string")
	}
	if commit.Entries == nil {
		problems = append(problems, "commit entries must be a list")
	}
	if len(problems) > 0 {
		return newError(CodeInvalidCommit, "%s", join(problems))
	}
	return nil
}

// Validate checks container shape, the commit chain, and genesis invariants.
// It returns findings rather than failing on the first problem.
func Validate(container *Container, opts ValidateOptions) Result {
	var errs []string

	if container == nil {
		return Result{OK: false, Errors: []string{"ledger must not be nil"}}
	}
	if container.Format != Format {
		errs = append(errs, fmt.Sprintf("ledger format must be %q", Format))
	}
	if container.Version != Version {
		errs = append(errs, fmt.Sprintf("ledger version must be %q", Version))
	}
	if container.Commits == nil {
		errs = append(errs, "ledger commits must be a map")
	}
	if container.Entries == nil {
		errs = append(errs, "ledger entries must be a map")
	}
	if len(errs) > 0 {
		return Result{OK: false, Errors: errs}
	}

	chain, err := CommitChain(container)
	if err != nil {
		errs = append(errs, err.Error())
	} else {
		genesis := container.Commits[chain[0]]
		if genesis.Parent != nil {
			errs = append(errs, "genesis commit parent must be null")
		}
		if genesis.Metadata == nil {
			errs = append(errs, "genesis commit metadata must be an object")
		} else {
			if genesis.Metadata["genesis"] != true {
				errs = append(errs, "genesis commit metadata.genesis must be true")
			}
			spec, ok := genesis.Metadata["spec"].(string)
			switch {
			case !ok || spec == "":
				errs = append(errs, "genesis commit metadata.spec is required")
			case opts.StrictSpec && spec != ProtocolSpec:
				errs = append(errs, fmt.Sprintf("genesis commit metadata.spec must be %q", ProtocolSpec))
			}
		}
	}

	for commitID, commit := range container.Commits {
		if err := checkCommit(commit); err != nil {
			errs = append(errs, fmt.Sprintf("commit %s: %v", commitID, err))
		}
		for _, entryID := range commit.Entries {
			if _, ok := container.Entries[entryID]; !ok {
				errs = append(errs, fmt.Sprintf("commit %s references missing entry %s", commitID, entryID))
			}
		}
	}

	for entryID, entry := range container.Entries {
		if err := checkEntry(entry); err != nil {
			errs = append(errs, fmt.Sprintf("entry %s: %v", entryID, err))
		}
	}

	return Result{OK: len(errs) == 0, Errors: errs}
}

func join(problems []string) string {
	out := problems[0]
	for _, p := range problems[1:] {
		out += "; " + p
	}
	return out
}
