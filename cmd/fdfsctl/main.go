// Command fdfsctl is a small operator CLI over the wire protocol:
// upload/download/delete a file and query/set its metadata against a
// running tracker+storage cluster. Grounded on binlogctl's
// subcommand-plus-flag-set shape in the teacher (binlogctl/meta.go's
// single-purpose operations invoked from a thin cmd/ wrapper),
// generalized from a one-shot savepoint tool to a handful of
// client-facing wire operations.
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/ngaut/log"

	"github.com/happyfish100/fastdfs-sub015/pkg/conn"
	"github.com/happyfish100/fastdfs-sub015/pkg/netutil"
	"github.com/happyfish100/fastdfs-sub015/pkg/proto"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: fdfsctl -tracker host:port <command> [args]")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  upload <local-file>")
	fmt.Fprintln(os.Stderr, "  download <file-id> <local-dest>")
	fmt.Fprintln(os.Stderr, "  delete <file-id>")
	fmt.Fprintln(os.Stderr, "  getmeta <file-id>")
	fmt.Fprintln(os.Stderr, "  setmeta <file-id> key=value[,key=value...]")
}

func main() {
	tracker := flag.String("tracker", "", "tracker host:port")
	timeout := flag.Duration("timeout", 10*time.Second, "per-call network timeout")
	retryCount := flag.Int("retry_count", 3, "attempts before giving up; every error is retried")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if *tracker == "" || len(args) < 1 {
		usage()
		os.Exit(2)
	}

	pool := conn.NewPool(5*time.Second, *timeout, time.Minute, 4)
	defer pool.Close()

	// A single CLI invocation retries as a whole on any error, up to
	// -retry_count attempts; an operator re-running "upload" after a real partial
	// failure is already idempotent enough for ad hoc tooling.
	run := func() error {
		switch args[0] {
		case "upload":
			return runUpload(pool, *tracker, args[1:])
		case "download":
			return runDownload(pool, *tracker, args[1:])
		case "delete":
			return runDelete(pool, *tracker, args[1:])
		case "getmeta":
			return runGetMeta(pool, *tracker, args[1:])
		case "setmeta":
			return runSetMeta(pool, *tracker, args[1:])
		default:
			usage()
			os.Exit(2)
			return nil
		}
	}
	err := netutil.RetryOnError(*retryCount, time.Second, "fdfsctl: "+args[0], run)
	if err != nil {
		log.Errorf("fdfsctl: %v", err)
		os.Exit(1)
	}
}

// queryStore asks the tracker which storage node should take an
// upload, via QUERY_STORE_WITHOUT_GROUP_ONE.
func queryStore(pool *conn.Pool, trackerAddr string) (groupName, ip string, port int, err error) {
	resp, c, err := pool.Call(trackerAddr, proto.CmdQueryStoreWithoutGroupOne, nil)
	if err != nil {
		return "", "", 0, err
	}
	defer c.Release()
	if resp.Header.Status != proto.StatusOK {
		c.Invalidate()
		return "", "", 0, fmt.Errorf("query_store failed, status %d", resp.Header.Status)
	}
	const want = proto.GroupNameLen + proto.IPAddrLen + 8 + 1
	if len(resp.Body) != want {
		return "", "", 0, fmt.Errorf("query_store: unexpected body length %d", len(resp.Body))
	}
	group := proto.GetFixed(resp.Body[:proto.GroupNameLen])
	storIP := proto.GetFixed(resp.Body[proto.GroupNameLen : proto.GroupNameLen+proto.IPAddrLen])
	storPort := int(proto.GetUint64(resp.Body[proto.GroupNameLen+proto.IPAddrLen : proto.GroupNameLen+proto.IPAddrLen+8]))
	return group, storIP, storPort, nil
}

// queryFetch asks the tracker which storage node can serve a download
// or delete for an existing file ID, per QUERY_FETCH_ONE. The client
// has no particular source storage it's fetching from, so source_ip
// is left blank and the tracker's selector picks any eligible member.
func queryFetch(pool *conn.Pool, trackerAddr, group string) (ip string, port int, err error) {
	body := make([]byte, proto.GroupNameLen+proto.IPAddrLen)
	proto.PutFixed(body[:proto.GroupNameLen], group, proto.GroupNameLen)
	resp, c, err := pool.Call(trackerAddr, proto.CmdQueryFetchOne, body)
	if err != nil {
		return "", 0, err
	}
	defer c.Release()
	if resp.Header.Status != proto.StatusOK {
		c.Invalidate()
		return "", 0, fmt.Errorf("query_fetch failed, status %d", resp.Header.Status)
	}
	const want = proto.GroupNameLen + proto.IPAddrLen + 8
	if len(resp.Body) != want {
		return "", 0, fmt.Errorf("query_fetch: unexpected body length %d", len(resp.Body))
	}
	storIP := proto.GetFixed(resp.Body[proto.GroupNameLen : proto.GroupNameLen+proto.IPAddrLen])
	storPort := int(proto.GetUint64(resp.Body[proto.GroupNameLen+proto.IPAddrLen:]))
	return storIP, storPort, nil
}

func storageAddr(ip string, port int) string { return fmt.Sprintf("%s:%d", ip, port) }

func runUpload(pool *conn.Pool, trackerAddr string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("upload: expected <local-file>")
	}
	data, err := ioutil.ReadFile(args[0])
	if err != nil {
		return err
	}
	ext := ""
	for i := len(args[0]) - 1; i >= 0 && args[0][i] != '/'; i-- {
		if args[0][i] == '.' {
			ext = args[0][i+1:]
			break
		}
	}

	_, ip, port, err := queryStore(pool, trackerAddr)
	if err != nil {
		return err
	}

	body := make([]byte, proto.ExtNameLen+8+len(data))
	proto.PutFixed(body[:proto.ExtNameLen], ext, proto.ExtNameLen)
	proto.PutUint64(body[proto.ExtNameLen:proto.ExtNameLen+8], uint64(len(data)))
	copy(body[proto.ExtNameLen+8:], data)

	resp, c, err := pool.Call(storageAddr(ip, port), proto.CmdUploadFile, body)
	if err != nil {
		return err
	}
	defer c.Release()
	if resp.Header.Status != proto.StatusOK {
		c.Invalidate()
		return fmt.Errorf("upload failed, status %d", resp.Header.Status)
	}
	fmt.Println(string(resp.Body))
	return nil
}

func runDownload(pool *conn.Pool, trackerAddr string, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("download: expected <file-id> <local-dest>")
	}
	group, remote, err := proto.SplitFileID(args[0])
	if err != nil {
		return err
	}
	ip, port, err := queryFetch(pool, trackerAddr, group)
	if err != nil {
		return err
	}
	resp, c, err := pool.Call(storageAddr(ip, port), proto.CmdDownloadFile, []byte(remote))
	if err != nil {
		return err
	}
	defer c.Release()
	if resp.Header.Status != proto.StatusOK {
		c.Invalidate()
		return fmt.Errorf("download failed, status %d", resp.Header.Status)
	}
	return ioutil.WriteFile(args[1], resp.Body, 0644)
}

func runDelete(pool *conn.Pool, trackerAddr string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("delete: expected <file-id>")
	}
	group, remote, err := proto.SplitFileID(args[0])
	if err != nil {
		return err
	}
	ip, port, err := queryFetch(pool, trackerAddr, group)
	if err != nil {
		return err
	}
	resp, c, err := pool.Call(storageAddr(ip, port), proto.CmdDeleteFile, []byte(remote))
	if err != nil {
		return err
	}
	defer c.Release()
	if resp.Header.Status != proto.StatusOK {
		c.Invalidate()
		return fmt.Errorf("delete failed, status %d", resp.Header.Status)
	}
	return nil
}

func runGetMeta(pool *conn.Pool, trackerAddr string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("getmeta: expected <file-id>")
	}
	group, remote, err := proto.SplitFileID(args[0])
	if err != nil {
		return err
	}
	ip, port, err := queryFetch(pool, trackerAddr, group)
	if err != nil {
		return err
	}
	resp, c, err := pool.Call(storageAddr(ip, port), proto.CmdGetMetaData, []byte(remote))
	if err != nil {
		return err
	}
	defer c.Release()
	if resp.Header.Status != proto.StatusOK {
		c.Invalidate()
		return fmt.Errorf("getmeta failed, status %d", resp.Header.Status)
	}
	m, err := proto.DecodeMetadata(resp.Body)
	if err != nil {
		return err
	}
	for k, v := range m {
		fmt.Printf("%s=%s\n", k, v)
	}
	return nil
}

func runSetMeta(pool *conn.Pool, trackerAddr string, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("setmeta: expected <file-id> key=value[,key=value...]")
	}
	group, remote, err := proto.SplitFileID(args[0])
	if err != nil {
		return err
	}
	m, err := parseMetadataArg(args[1])
	if err != nil {
		return err
	}

	ip, port, err := queryFetch(pool, trackerAddr, group)
	if err != nil {
		return err
	}

	encoded := proto.EncodeMetadata(m)
	body := make([]byte, 1+8+len(remote)+len(encoded))
	body[0] = 'O'
	proto.PutUint64(body[1:9], uint64(len(remote)))
	off := 9
	off += copy(body[off:], remote)
	copy(body[off:], encoded)

	resp, c, err := pool.Call(storageAddr(ip, port), proto.CmdSetMetaData, body)
	if err != nil {
		return err
	}
	defer c.Release()
	if resp.Header.Status != proto.StatusOK {
		c.Invalidate()
		return fmt.Errorf("setmeta failed, status %d", resp.Header.Status)
	}
	return nil
}

func parseMetadataArg(s string) (proto.Metadata, error) {
	m := make(proto.Metadata)
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			pair := s[start:i]
			start = i + 1
			if pair == "" {
				continue
			}
			eq := -1
			for j := 0; j < len(pair); j++ {
				if pair[j] == '=' {
					eq = j
					break
				}
			}
			if eq < 0 {
				return nil, fmt.Errorf("setmeta: malformed pair %q, want key=value", pair)
			}
			m[pair[:eq]] = pair[eq+1:]
		}
	}
	return m, nil
}
