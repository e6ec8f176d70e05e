package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/zhukovaskychina/galleonfs/kernel/conf"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/manager"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/objstore"
	"github.com/zhukovaskychina/galleonfs/kernel/galleon/storage/store/blocks"
	"github.com/zhukovaskychina/galleonfs/logger"
)

const help = `
******************************************************************************************
*  galleon-journal
*帮助:
*1. -- help
*2. -- configPath   指定galleon.ini / galleon.toml配置文件
*3. -- mode         recover | dump | archive | demo
*       recover  扫描日志区域, 列出恢复时需要撤销的记录(只读)
*       dump     打印日志区域中的全部记录
*       archive  打印归档文件中的事务
*       demo     在内存对象存储上执行一组事务并写入日志
******************************************************************************************
`

func main() {
	var configPath, mode string
	flag.StringVar(&configPath, "configPath", "", "配置文件路径")
	flag.StringVar(&mode, "mode", "recover", "recover | dump | archive | demo")
	flag.Usage = func() { fmt.Fprint(os.Stderr, help) }
	flag.Parse()

	config, err := conf.NewCfg().Load(&conf.CommandLineArgs{ConfigPath: configPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if err := logger.InitLogger(config.LogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	logger.Infof("galleon-journal mode=%s image=%s", mode, config.JournalImagePath)

	switch mode {
	case "archive":
		err = printArchive(config.ArchivePath)
	case "recover", "dump", "demo":
		err = runJournal(config, mode)
	default:
		fmt.Fprint(os.Stderr, help)
		os.Exit(2)
	}
	if err != nil {
		logger.Errorf("%s failed: %+v", mode, err)
		os.Exit(1)
	}
}

func runJournal(config *conf.Cfg, mode string) error {
	jcfg := config.JournalConfig()
	device, err := blocks.OpenFileDevice(config.JournalImagePath, jcfg.StartSector+jcfg.SizeSectors)
	if err != nil {
		return err
	}
	defer device.Close()

	journal, err := manager.NewJournalManager(device, jcfg)
	if err != nil {
		return err
	}

	switch mode {
	case "dump":
		return dumpJournal(journal)
	case "recover":
		// 没有挂载对象存储, 只报告恢复时需要撤销的记录, 不写日志
		pending, stats, err := journal.PendingUndo()
		if err != nil {
			return err
		}
		for _, rec := range pending {
			fmt.Printf("undo %s\n", rec)
		}
		fmt.Printf("scanned=%d malformed=%d committed=%d skipped=%d undo=%d checkpoint=%d\n",
			stats.Scanned, stats.Malformed, stats.Committed, stats.Skipped, stats.Undone, stats.Boundary)
		return nil
	}

	archiver, err := config.NewArchiver()
	if err != nil {
		return err
	}
	store, err := runDemo(journal, archiver, config.LockConfig())
	if err != nil {
		return err
	}
	data, _ := store.Get(1)
	fmt.Printf("object 1 = %q, extents = %v, journal seq = %d\n",
		data, store.Extents(), journal.CurrentSequence())
	if archiver != nil {
		fmt.Printf("archive: %+v\n", archiver.Stats())
	}
	return nil
}

func dumpJournal(journal *manager.JournalManager) error {
	records, malformed, err := journal.Scan()
	if err != nil {
		return err
	}
	for _, rec := range records {
		if op, err := manager.DecodeOperation(rec); err == nil {
			fmt.Printf("%s %+v\n", rec, op)
			continue
		}
		fmt.Printf("%s\n", rec)
	}
	fmt.Printf("%d records, %d malformed slots\n", len(records), malformed)
	return nil
}

func printArchive(path string) error {
	txs, err := manager.ReadArchive(path)
	if err != nil {
		return err
	}
	for _, tx := range txs {
		fmt.Printf("tx %d %s (%d records)\n", tx.ID, tx.State, len(tx.Records))
		for _, rec := range tx.Records {
			fmt.Printf("  %s\n", rec)
		}
	}
	return nil
}

// runDemo 恢复日志后在内存对象存储上执行两个事务: 一个提交, 一个回滚到保存点后提交.
// 设置了归档器时, 完成的日志事务会被归档.
func runDemo(journal *manager.JournalManager, archiver *manager.FileArchiver, lockConfig manager.LockConfig) (*objstore.MemStore, error) {
	if archiver != nil {
		journal.SetArchiver(archiver)
	}

	store := objstore.NewMemStore()
	tm := manager.NewTransactionManager(store, journal, lockConfig)
	defer tm.Close()

	if _, err := journal.Recover(); err != nil {
		return nil, err
	}

	ctx := context.Background()
	first := tm.Begin()
	if err := tm.AcquireLock(ctx, 1, first.ID, manager.LOCK_X); err != nil {
		return nil, err
	}
	for _, op := range []objstore.Operation{
		objstore.CreateObject{ID: 1, Data: []byte("galleon")},
		objstore.AllocateSpace{Offset: 4096, Size: 512},
	} {
		if err := tm.AddOperation(first.ID, op); err != nil {
			return nil, err
		}
	}
	if err := tm.CommitTransaction(first.ID); err != nil {
		return nil, err
	}

	second := tm.Begin()
	if err := tm.AcquireLock(ctx, 1, second.ID, manager.LOCK_X); err != nil {
		return nil, err
	}
	sp, err := tm.CreateSavepoint(second.ID)
	if err != nil {
		return nil, err
	}
	if err := tm.AddOperation(second.ID, objstore.DeleteObject{ID: 1}); err != nil {
		return nil, err
	}
	if err := tm.RollbackToSavepoint(second.ID, sp.ID); err != nil {
		return nil, err
	}
	if err := tm.AddOperation(second.ID, objstore.UpdateObject{ID: 1, Old: []byte("galleon"), New: []byte("galleon-fs")}); err != nil {
		return nil, err
	}
	if err := tm.CommitTransaction(second.ID); err != nil {
		return nil, err
	}

	return store, nil
}
