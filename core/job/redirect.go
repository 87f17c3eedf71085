package job

import "fmt"

// RedirKind is the kind of a Redirection.
type RedirKind int

const (
	// RedirNormal inherits the shell's stream.
	RedirNormal RedirKind = iota
	// RedirPipe connects the stream to the adjacent pipeline stage.
	RedirPipe
	// RedirFile opens or creates a file.
	RedirFile
	// RedirDup is reserved for file descriptor duplication forms like 2>&1.
	RedirDup
)

// Redirection is the source or destination of a stage's standard input or
// output. The zero value inherits the shell's stream.
type Redirection struct {
	Kind RedirKind
	// Path and Append are set for RedirFile.
	Path   string
	Append bool
	// Target is the duplication form for RedirDup.
	Target string
}

// PipeRedirect connects a stream to the adjacent stage.
func PipeRedirect() Redirection {
	return Redirection{Kind: RedirPipe}
}

// FileRedirect reads from or writes to path. Output truncates the file
// unless append is set.
func FileRedirect(path string, append bool) Redirection {
	return Redirection{Kind: RedirFile, Path: path, Append: append}
}

// DupRedirect is a file descriptor duplication like ">&2".
func DupRedirect(target string) Redirection {
	return Redirection{Kind: RedirDup, Target: target}
}

func (r Redirection) String() string {
	switch r.Kind {
	case RedirNormal:
		return "Normal"
	case RedirPipe:
		return "Pipe"
	case RedirFile:
		return fmt.Sprintf("File(%q, %t)", r.Path, r.Append)
	case RedirDup:
		return fmt.Sprintf("Redir(%q)", r.Target)
	default:
		return fmt.Sprintf("RedirKind(%d)", int(r.Kind))
	}
}
