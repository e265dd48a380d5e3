package config

import (
	"strings"
)

// StripJSONComments removes // and /* */ comments so testbridge.jsonc can be
// fed to encoding/json. Comment markers inside string literals are left
// alone.
func StripJSONComments(data []byte) []byte {
	input := string(data)
	var out strings.Builder
	out.Grow(len(input))

	i := 0
	inString := false
	for i < len(input) {
		if input[i] == '"' && (i == 0 || input[i-1] != '\\') {
			inString = !inString
			out.WriteByte(input[i])
			i++
			continue
		}

		if !inString && i+1 < len(input) && input[i] == '/' {
			// Line comment: drop up to (not including) the newline.
			if input[i+1] == '/' {
				for i < len(input) && input[i] != '\n' {
					i++
				}
				continue
			}
			// Block comment: drop through the closing */.
			if input[i+1] == '*' {
				i += 2
				for i+1 < len(input) {
					if input[i] == '*' && input[i+1] == '/' {
						i += 2
						break
					}
					i++
				}
				continue
			}
		}

		out.WriteByte(input[i])
		i++
	}

	return []byte(out.String())
}
