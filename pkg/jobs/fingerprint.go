package jobs

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Fingerprint digests every JobSpec field not tagged `fingerprint:"-"`.
// Fields are sorted by name so the result does not depend on declaration
// order; the digest is the lowercase hex MD5 of "Name=value;" pairs.
func Fingerprint(spec *JobSpec) string {
	v := reflect.ValueOf(spec).Elem()
	t := v.Type()

	names := make([]string, 0, t.NumField())
	values := make(map[string]string, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Tag.Get("fingerprint") == "-" {
			continue
		}
		names = append(names, f.Name)
		values[f.Name] = fmt.Sprint(v.Field(i).Interface())
	}
	sort.Strings(names)

	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte('=')
		b.WriteString(values[n])
		b.WriteByte(';')
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
