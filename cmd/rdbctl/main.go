// Command rdbctl is a small operator tool exercising an rdb.Chain from the
// shell: put/get/scan a key range, trigger a save or load, and print
// stats or run a self-test. Structured the way the teacher's own
// cmd/headers/commands package wires urfave/cli subcommands, swapped from
// the teacher's go-ethereum domain onto this package's BucketSet/Chain
// domain.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/c2h5oh/datasize"
	"github.com/urfave/cli"

	"github.com/ledgerwatch/rdbbuckets/internal/rlog"
	"github.com/ledgerwatch/rdbbuckets/rdb"
	"github.com/ledgerwatch/rdbbuckets/rdb/dbutils"
	"github.com/ledgerwatch/rdbbuckets/rdb/fsnapshot"
)

var (
	dirFlag    = cli.StringFlag{Name: "dir", Value: "./rdbdata", Usage: "snapshot directory"}
	dbFlag     = cli.StringFlag{Name: "db", Value: "indexdb", Usage: "registered rdb name"}
	ksFlag     = cli.IntFlag{Name: "keysize", Value: 12, Usage: "key size: 12, 16, 24 or 28"}
	fdsFlag    = cli.IntFlag{Name: "fixeddata", Value: 4, Usage: "fixed payload size in bytes"}
	maxMemFlag = cli.StringFlag{Name: "maxmem", Value: "512MB", Usage: "memory budget, e.g. 512MB or 2GB"}
)

func main() {
	app := cli.NewApp()
	app.Name = "rdbctl"
	app.Usage = "operate an rdb bucket-set snapshot"
	app.Flags = []cli.Flag{dirFlag, dbFlag, ksFlag, fdsFlag, maxMemFlag}
	app.Commands = []cli.Command{
		putCommand,
		getCommand,
		scanCommand,
		statsCommand,
		selftestCommand,
	}

	if err := app.Run(os.Args); err != nil {
		rlog.Error(err.Error())
		os.Exit(1)
	}
}

func rdbIDFor(name string) dbutils.RdbID {
	switch name {
	case "indexdb":
		return dbutils.RdbIndexdb
	case "spiderdb":
		return dbutils.RdbSpiderdb
	case "titledb":
		return dbutils.RdbTitledb
	case "clusterdb":
		return dbutils.RdbClusterdb
	case "linkdb":
		return dbutils.RdbLinkdb
	case "tagdb":
		return dbutils.RdbTagdb
	default:
		return dbutils.RdbIndexdb
	}
}

// openOrLoad opens the chain for ctx's --db, loading an existing snapshot
// from --dir if one is present, else constructing a fresh empty BucketSet.
func openOrLoad(ctx *cli.Context) (*rdb.Chain, dbutils.RdbID, error) {
	id := rdbIDFor(ctx.GlobalString("db"))
	var maxMem datasize.ByteSize
	if err := maxMem.UnmarshalText([]byte(ctx.GlobalString("maxmem"))); err != nil {
		return nil, id, fmt.Errorf("--maxmem: %w", err)
	}
	o := rdb.Options{
		KeySize:       dbutils.KeySize(ctx.GlobalInt("keysize")),
		FixedDataSize: ctx.GlobalInt("fixeddata"),
		MaxMem:        maxMem,
		RdbID:         id,
		DBName:        ctx.GlobalString("db"),
	}
	ch := rdb.NewChain(fsnapshot.New())
	dir := ctx.GlobalString("dir")
	if _, err := os.Stat(fmt.Sprintf("%s/%s.rdb", dir, dbutils.Tag(id))); err == nil {
		if err := ch.FastLoad(dir, map[dbutils.RdbID]rdb.Options{id: o}); err != nil {
			return nil, id, err
		}
		return ch, id, nil
	}
	bs, err := rdb.NewBucketSet(o)
	if err != nil {
		return nil, id, err
	}
	ch.Register(id, bs)
	return ch, id, nil
}

var putCommand = cli.Command{
	Name:      "put",
	Usage:     "insert a key/payload pair",
	ArgsUsage: "<coll> <key-hex> <payload-hex>",
	Action: func(ctx *cli.Context) error {
		ch, id, err := openOrLoad(ctx)
		if err != nil {
			return err
		}
		coll, key, payload, err := parseTriple(ctx)
		if err != nil {
			return err
		}
		bs, _ := ch.Get(id)
		if err := bs.AddNode(coll, key, payload); err != nil {
			return err
		}
		return saveBack(ctx, ch, id)
	},
}

var getCommand = cli.Command{
	Name:      "get",
	Usage:     "look up a key",
	ArgsUsage: "<coll> <key-hex>",
	Action: func(ctx *cli.Context) error {
		ch, id, err := openOrLoad(ctx)
		if err != nil {
			return err
		}
		coll, err := strconv.Atoi(ctx.Args().Get(0))
		if err != nil {
			return err
		}
		key, err := decodeHex(ctx.Args().Get(1))
		if err != nil {
			return err
		}
		bs, _ := ch.Get(id)
		v, err := bs.GetKeyVal(dbutils.CollNum(coll), key)
		if err != nil {
			return err
		}
		if v == nil {
			fmt.Println("<not found>")
			return nil
		}
		fmt.Printf("%x\n", v)
		return nil
	},
}

var scanCommand = cli.Command{
	Name:      "scan",
	Usage:     "scan a key range",
	ArgsUsage: "<coll> <start-key-hex> <end-key-hex>",
	Action: func(ctx *cli.Context) error {
		ch, id, err := openOrLoad(ctx)
		if err != nil {
			return err
		}
		coll, err := strconv.Atoi(ctx.Args().Get(0))
		if err != nil {
			return err
		}
		start, err := decodeHex(ctx.Args().Get(1))
		if err != nil {
			return err
		}
		end, err := decodeHex(ctx.Args().Get(2))
		if err != nil {
			return err
		}
		bs, _ := ch.Get(id)
		list := &rdb.SimpleList{}
		if err := bs.GetList(dbutils.CollNum(coll), start, end, 0, list, false, rdb.NoopYieldHook()); err != nil {
			return err
		}
		for _, rec := range list.Records {
			fmt.Printf("%x => %x\n", rec.Key, rec.Payload)
		}
		return nil
	},
}

var statsCommand = cli.Command{
	Name:  "stats",
	Usage: "print BucketSet statistics",
	Action: func(ctx *cli.Context) error {
		ch, id, err := openOrLoad(ctx)
		if err != nil {
			return err
		}
		bs, _ := ch.Get(id)
		fmt.Printf("buckets=%d numKeysApprox=%d numNegKeys=%d memAlloced=%s memOccupied=%s memAvailable=%s\n",
			bs.NumBuckets(), bs.GetNumKeys(), bs.GetNumNegativeKeys(),
			datasize.ByteSize(bs.GetMemAlloced()).String(),
			datasize.ByteSize(bs.GetMemOccupied()).String(),
			datasize.ByteSize(bs.GetMemAvailable()).String())
		return nil
	},
}

var selftestCommand = cli.Command{
	Name:  "selftest",
	Usage: "run a thorough self-test and report drift",
	Action: func(ctx *cli.Context) error {
		ch, _, err := openOrLoad(ctx)
		if err != nil {
			return err
		}
		if err := ch.SelfTest(true); err != nil {
			rlog.Warn("selftest found drift, repairing", "error", err.Error())
			return ch.Repair()
		}
		fmt.Println("ok")
		return nil
	},
}

func saveBack(ctx *cli.Context, ch *rdb.Chain, id dbutils.RdbID) error {
	dir := ctx.GlobalString("dir")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := ch.FastSave(dir, false, nil, nil); err != nil {
		return err
	}
	return ch.SaveErrno()
}

func parseTriple(ctx *cli.Context) (dbutils.CollNum, []byte, []byte, error) {
	coll, err := strconv.Atoi(ctx.Args().Get(0))
	if err != nil {
		return 0, nil, nil, err
	}
	key, err := decodeHex(ctx.Args().Get(1))
	if err != nil {
		return 0, nil, nil, err
	}
	payload, err := decodeHex(ctx.Args().Get(2))
	if err != nil {
		return 0, nil, nil, err
	}
	return dbutils.CollNum(coll), key, payload, nil
}

func decodeHex(s string) ([]byte, error) {
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return out, nil
}
