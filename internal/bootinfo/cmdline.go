package bootinfo

// arg is an immutable byte-slice token the scanner accumulates into before
// deciding whether it is a flag or a key=value pair.
type arg []byte

// CmdLine is a parsed view over Info.CmdLine's environment-style
// "key=value key2=value2" tokens, queried by string name.
type CmdLine struct {
	pairs map[string]string
	flags map[string]bool
}

// ParseCmdLine scans s into key/value pairs. A token with no '=' is
// recorded as a boolean flag (present/absent) rather than a pair.
func ParseCmdLine(s string) *CmdLine {
	c := &CmdLine{pairs: make(map[string]string), flags: make(map[string]bool)}
	var tok arg
	flush := func() {
		if len(tok) == 0 {
			return
		}
		for i, b := range tok {
			if b == '=' {
				c.pairs[string(tok[:i])] = string(tok[i+1:])
				tok = tok[:0]
				return
			}
		}
		c.flags[string(tok)] = true
		tok = tok[:0]
	}
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b == ' ' || b == '\t' {
			flush()
			continue
		}
		tok = append(tok, b)
	}
	flush()
	return c
}

// Get returns the value bound to key and whether it was present.
func (c *CmdLine) Get(key string) (string, bool) {
	v, ok := c.pairs[key]
	return v, ok
}

// GetDefault returns the value bound to key, or def if absent.
func (c *CmdLine) GetDefault(key, def string) string {
	if v, ok := c.pairs[key]; ok {
		return v
	}
	return def
}

// Flag reports whether key was present as a bare flag or a key=value pair.
func (c *CmdLine) Flag(key string) bool {
	if c.flags[key] {
		return true
	}
	_, ok := c.pairs[key]
	return ok
}
