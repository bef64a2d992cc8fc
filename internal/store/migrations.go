package store

const schema = `
CREATE TABLE IF NOT EXISTS blog_posts (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    product_name TEXT NOT NULL,
    title        TEXT NOT NULL,
    description  TEXT NOT NULL DEFAULT '',
    link         TEXT NOT NULL DEFAULT '',
    blogger_name TEXT NOT NULL DEFAULT '',
    post_date    TEXT NOT NULL DEFAULT '',
    created_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_blog_posts_product ON blog_posts(product_name);

CREATE TABLE IF NOT EXISTS analysis_results (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    product_name      TEXT NOT NULL UNIQUE,
    ad_analysis       TEXT NOT NULL DEFAULT '',
    positive_opinions TEXT NOT NULL DEFAULT '',
    negative_opinions TEXT NOT NULL DEFAULT '',
    summary           TEXT NOT NULL DEFAULT '',
    created_at        DATETIME NOT NULL
);
`
