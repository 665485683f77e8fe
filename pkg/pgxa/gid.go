package pgxa

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/baxromumarov/xa-participant/pkg/protocol"
)

// EncodeGID renders xid as a PostgreSQL prepared transaction identifier:
// formatID_base64(gtrid)_base64(bqual).
func EncodeGID(xid protocol.Xid) string {
	return strconv.FormatInt(int64(xid.FormatID()), 10) + "_" +
		base64.StdEncoding.EncodeToString(xid.GlobalTransactionID()) + "_" +
		base64.StdEncoding.EncodeToString(xid.BranchQualifier())
}

// DecodeGID parses an identifier written by EncodeGID. Prepared
// transactions created by other tools fail to decode.
func DecodeGID(gid string) (protocol.Xid, error) {
	parts := strings.Split(gid, "_")
	if len(parts) != 3 {
		return protocol.Xid{}, fmt.Errorf("gid %q: want 3 parts, got %d", gid, len(parts))
	}
	formatID, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return protocol.Xid{}, fmt.Errorf("gid %q: format id: %w", gid, err)
	}
	gtrid, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return protocol.Xid{}, fmt.Errorf("gid %q: gtrid: %w", gid, err)
	}
	bqual, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return protocol.Xid{}, fmt.Errorf("gid %q: bqual: %w", gid, err)
	}
	return protocol.NewXid(int32(formatID), gtrid, bqual)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
