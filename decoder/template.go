/*
 * This file is part of the ecu-mate distribution (https://github.com/mlipscombe/ecu-mate).
 * Copyright (c) 2021-2024 Mark Lipscombe.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, version 3.
 *
 * This program is distributed in the hope that it will be useful, but
 * WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the GNU
 * General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program. If not, see <http://www.gnu.org/licenses/>.
 */

package decoder

import (
	"fmt"
	"strings"
)

// Interpolate substitutes ${name} placeholders in template with the matching
// entry of groups. A placeholder without a value is an error; an unterminated
// "${" is copied literally.
func Interpolate(template string, groups map[string]string) (string, error) {
	var b strings.Builder
	rest := template

	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[start+2:], '}')
		if end < 0 {
			b.WriteString(rest)
			break
		}

		name := rest[start+2 : start+2+end]
		value, ok := groups[name]
		if !ok {
			return "", fmt.Errorf("%w: %q in template %q", ErrMissingGroup, name, template)
		}

		b.WriteString(rest[:start])
		b.WriteString(value)
		rest = rest[start+2+end+1:]
	}

	return b.String(), nil
}
