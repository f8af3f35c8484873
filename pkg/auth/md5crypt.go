package auth

import (
	"crypto/md5"
	"fmt"
	"strings"
)

const (
	md5CryptMagic  = "$1$"
	md5CryptRounds = 1000
	cryptAlphabet  = "./0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

// MD5Crypt computes the FreeBSD "$1$" password hash of password with salt.
// A leading "$1$" and anything after a '$' in salt are ignored, and the
// salt is truncated to eight characters.
func MD5Crypt(password, salt string) (string, error) {
	salt = strings.TrimPrefix(salt, md5CryptMagic)
	if i := strings.IndexByte(salt, '$'); i >= 0 {
		salt = salt[:i]
	}
	if len(salt) > 8 {
		salt = salt[:8]
	}
	for _, c := range salt {
		if !strings.ContainsRune(cryptAlphabet, c) {
			return "", fmt.Errorf("invalid salt character %q", c)
		}
	}

	pw := []byte(password)
	s := []byte(salt)

	alt := md5.New()
	alt.Write(pw)
	alt.Write(s)
	alt.Write(pw)
	altSum := alt.Sum(nil)

	h := md5.New()
	h.Write(pw)
	h.Write([]byte(md5CryptMagic))
	h.Write(s)
	for n := len(pw); n > 0; n -= 16 {
		h.Write(altSum[:min(n, 16)])
	}
	for n := len(pw); n > 0; n >>= 1 {
		if n&1 != 0 {
			h.Write([]byte{0})
		} else {
			h.Write(pw[:1])
		}
	}
	sum := h.Sum(nil)

	for round := 0; round < md5CryptRounds; round++ {
		r := md5.New()
		if round&1 != 0 {
			r.Write(pw)
		} else {
			r.Write(sum)
		}
		if round%3 != 0 {
			r.Write(s)
		}
		if round%7 != 0 {
			r.Write(pw)
		}
		if round&1 != 0 {
			r.Write(sum)
		} else {
			r.Write(pw)
		}
		sum = r.Sum(nil)
	}

	var out strings.Builder
	out.WriteString(md5CryptMagic)
	out.WriteString(salt)
	out.WriteByte('$')
	for _, g := range [][3]int{{0, 6, 12}, {1, 7, 13}, {2, 8, 14}, {3, 9, 15}, {4, 10, 5}} {
		encode64(&out, uint(sum[g[0]])<<16|uint(sum[g[1]])<<8|uint(sum[g[2]]), 4)
	}
	encode64(&out, uint(sum[11]), 2)
	return out.String(), nil
}

func encode64(out *strings.Builder, v uint, n int) {
	for ; n > 0; n-- {
		out.WriteByte(cryptAlphabet[v&0x3f])
		v >>= 6
	}
}

// cryptHash returns the hash field of an MD5Crypt result.
func cryptHash(password, salt string) (string, error) {
	full, err := MD5Crypt(password, salt)
	if err != nil {
		return "", err
	}
	parts := strings.Split(full, "$")
	if len(parts) < 4 {
		return "", fmt.Errorf("malformed crypt output %q", full)
	}
	return parts[3], nil
}
